package envelope

import "strings"

// Topic namespace shared by every bus backend. Topics are plain strings so
// that backends never need to parse them; these helpers exist to keep the
// naming uniform across gateway, worker and tools.
const (
	chatPrefix    = "chat:"
	streamPrefix  = "stream:"
	signalPrefix  = "signal:"
	controlPrefix = "control:"
)

// ChatTopic returns the inbound topic for a conversation.
func ChatTopic(conversationID string) string { return chatPrefix + conversationID }

// AgentTopic returns the inbound topic a worker bound to the named agent
// consumes via its consumer group.
func AgentTopic(name string) string { return chatPrefix + name }

// StreamTopic returns the egress topic events of a conversation fan out on.
func StreamTopic(conversationID string) string { return streamPrefix + conversationID }

// SignalTopic returns the coordination topic for a scope/event pair.
func SignalTopic(name string) string { return signalPrefix + name }

// ControlTopic returns the lifecycle topic reserved for the named agent.
func ControlTopic(name string) string { return controlPrefix + name }

// AgentName extracts the name from an "agent:<name>" address. Returns false
// for any other scheme or an empty name.
func AgentName(recipient string) (string, bool) {
	name, ok := strings.CutPrefix(recipient, "agent:")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// PublishTopics returns the topics an inbound envelope is published to: the
// agent topic first when the recipient addresses an agent, then the
// conversation topic always. The order is stable and reported back to
// callers of the ingress endpoint.
func PublishTopics(recipient, conversationID string) []string {
	var topics []string
	if name, ok := AgentName(recipient); ok {
		topics = append(topics, AgentTopic(name))
	}
	return append(topics, ChatTopic(conversationID))
}
