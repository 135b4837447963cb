package notify

import "time"

// Transport defaults
const (
	DefaultSMTPPort           = 587
	DefaultSMTPTimeout        = 30 * time.Second
	DefaultMQTTConnectTimeout = 5 * time.Second
	DefaultTopicPrefix        = "watchtower"

	mqttQuiesceMillis = 250
)
