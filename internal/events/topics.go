package events

// Topics emitted by the checkout orchestrator.
const (
	TopicRailInitiated     = "payment.initiated"
	TopicRailCancelled     = "payment.cancelled"
	TopicStepUpRequired    = "payment.step_up_required"
	TopicPaymentCaptured   = "payment.captured"
	TopicPaymentFailed     = "payment.failed"
	TopicCheckoutFinalized = "checkout.finalized"
)

// TerminalTopics are the topics that end a payment attempt.
func TerminalTopics() []string {
	return []string{TopicPaymentCaptured, TopicPaymentFailed, TopicCheckoutFinalized}
}
