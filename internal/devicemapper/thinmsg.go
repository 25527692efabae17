package devicemapper

import (
	"fmt"

	"github.com/lvmcore/lvmcore/internal/metadata"
)

// SubmitThinMessages issues a thin pool's queued messages after resume,
// gated on the on-device transaction_id (spec §4.4 traversal rule 4): if
// the live id equals transactionID-1 the messages are applied; if it
// already equals transactionID the submission is treated as idempotent and
// skipped; any other value is a hard failure.
func SubmitThinMessages(d Driver, poolName string, liveTransactionID, transactionID uint64, msgs []metadata.ThinMessage) error {
	if liveTransactionID == transactionID {
		return nil
	}

	if liveTransactionID != transactionID-1 {
		return fmt.Errorf("devicemapper: pool %q transaction_id %d does not precede %d", poolName, liveTransactionID, transactionID)
	}

	for _, m := range msgs {
		text := thinMessageText(m)

		_, err := d.Run(TaskRequest{Type: TaskTargetMessage, Name: poolName, Message: text})
		if err == nil {
			continue
		}

		if !ErrTolerated(TaskTargetMessage, errnoOf(err), m.ExpectedErrno) {
			return fmt.Errorf("devicemapper: pool %q message %q: %w", poolName, text, err)
		}
	}

	return nil
}

func thinMessageText(m metadata.ThinMessage) string {
	switch m.Kind {
	case metadata.ThinMsgCreateThin:
		return fmt.Sprintf("create_thin %d", m.DeviceID)
	case metadata.ThinMsgCreateSnap:
		return fmt.Sprintf("create_snap %d %d", m.DeviceID, m.OriginID)
	case metadata.ThinMsgDelete:
		return fmt.Sprintf("delete %d", m.DeviceID)
	case metadata.ThinMsgTrim:
		return fmt.Sprintf("trim %d", m.DeviceID)
	case metadata.ThinMsgSetTransactionID:
		return fmt.Sprintf("set_transaction_id %d", m.DeviceID)
	default:
		return ""
	}
}

// errnoOf extracts a raw errno from a wrapped driver error when possible;
// fake drivers in tests return a sentinel the caller already knows, so this
// is best-effort and only matters to real kernel transports.
func errnoOf(err error) int {
	type errnoer interface{ Errno() int }
	if e, ok := err.(errnoer); ok {
		return e.Errno()
	}

	return -1
}
