package b2bua

import (
	"context"

	"github.com/google/uuid"

	"github.com/dialogbridge/b2bua/internal/dialogue"
)

// BlindTransfer implements the programmatic blind-transfer entry point: a
// higher layer has already answered a new outgoing call (answered) meant
// to replace dead, with orphan being dead's former bridge peer. Mint a
// fresh bridge_id joining orphan and answered, register answered in the
// index, hang up dead, then re-INVITE orphan with answered's SDP so media
// retargets to the new party.
func (m *Manager) BlindTransfer(ctx context.Context, dead, orphan, answered *dialogue.Dialogue) error {
	bridgeID := uuid.NewString()
	orphan.SetBridgeID(bridgeID)
	answered.SetBridgeID(bridgeID)

	m.dialogues.Add(answered)
	m.observer.OnDialogueCreated(orphan.ID, bridgeID)
	m.observer.OnDialogueCreated(answered.ID, bridgeID)

	m.terminateDialogue(ctx, dead, "Blind transfer")

	return m.ReInvite(ctx, orphan, answered.RemoteSDP())
}
