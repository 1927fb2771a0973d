package rabbitmq

import "fmt"

// Exchange and queue names shared with the cloud side. Changing any of these
// is a coordinated deploy with the consumers.
const (
	EventsExchange     = "pos_events_exchange"
	CommandsExchange   = "pos_commands_exchange"
	DeadLetterExchange = "dead_letter_exchange"

	EventsQueue           = "pos_events_queue"
	EventsDeadLetterQueue = "pos_events_dead_letter_queue"
)

// EventRoutingKey builds the outbound key: pos.<posType>.<entity>.<action>.
func EventRoutingKey(posType, entity, action string) string {
	return fmt.Sprintf("pos.%s.%s.%s", posType, entity, action)
}

// CommandRoutingKey is the inbound binding for one venue.
func CommandRoutingKey(posType, venueID string) string {
	return fmt.Sprintf("command.%s.%s", posType, venueID)
}

// CommandQueue names the per-venue command queue.
func CommandQueue(venueID string) string {
	return fmt.Sprintf("commands_queue.venue_%s", venueID)
}

// ConfigErrorQueue names the per-instance configuration error queue. Instance
// scoped so a fleet of bridges behind one venue id each hear the rejection.
func ConfigErrorQueue(posType, instanceID string) string {
	return fmt.Sprintf("config_errors_%s_%s", posType, instanceID)
}

// ConfigErrorRoutingKey is the binding for configuration rejections.
func ConfigErrorRoutingKey(posType string) string {
	return fmt.Sprintf("command.%s.configuration.error", posType)
}
