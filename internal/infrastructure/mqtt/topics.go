package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every CC Bridge topic.
const TopicPrefix = "ccbridge"

// Topics builds CC Bridge MQTT topics.
//
//	mqtt.Topics{}.ComputerUpdate("Turtle7") // "ccbridge/computer/Turtle7/update"
type Topics struct{}

// ComputerUpdate is the retained topic carrying a computer's latest update.
func (Topics) ComputerUpdate(key string) string {
	return fmt.Sprintf("%s/computer/%s/update", TopicPrefix, topicLevel(key))
}

// Command is where operators publish command lines for the active computer.
// The payload is the raw line, e.g. "move forward 3".
func (Topics) Command() string {
	return TopicPrefix + "/command"
}

// SystemStatus carries the bridge's online/offline status and its LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllComputerUpdates matches every computer update topic.
func (Topics) AllComputerUpdates() string {
	return TopicPrefix + "/computer/+/update"
}

// topicLevel makes key safe to use as a single topic level. Wildcards and
// separators become underscores; an empty key becomes "_".
func topicLevel(key string) string {
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		default:
			return r
		}
	}, key)
}
