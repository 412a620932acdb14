package storage

import "fmt"

// RetainedKey builds the shared-store list key holding retained messages
// for a topic (spec 6.): "retained:<topic>".
func RetainedKey(topic string) string {
	return fmt.Sprintf("retained:%s", topic)
}

// HistoryKey builds the shared-store list key holding the history snapshot
// for one (protocol, version, context) triple: "history:<protocol>@<version>:<context>".
func HistoryKey(protocol, version, context string) string {
	return fmt.Sprintf("history:%s@%s:%s", protocol, version, context)
}

// SubChannel builds the cross-node pub/sub channel name for a topic:
// "sub:<topic>".
func SubChannel(topic string) string {
	return fmt.Sprintf("sub:%s", topic)
}
