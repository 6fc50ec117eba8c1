package b2bua

// Observer is the single callback slot replacing the source's multicast
// event fields, per design note "Event delegates": the core only ever
// needs one observer, so there is no registration list to manage.
type Observer interface {
	OnDialogueCreated(dialogueID, bridgeID string)
	OnDialogueRemoved(dialogueID, bridgeID string)
	OnDialPlanError(dialogueID, reason string)
}

// NoopObserver discards every event; it is the Manager's default so
// construction never requires a caller to supply one.
type NoopObserver struct{}

func (NoopObserver) OnDialogueCreated(string, string) {}
func (NoopObserver) OnDialogueRemoved(string, string)  {}
func (NoopObserver) OnDialPlanError(string, string)    {}
