// ABOUTME: Unit tests for natsbus's pure helpers
// ABOUTME: Connection-level behavior needs a live JetStream server and has no test here

package natsbus

import (
	"testing"

	"github.com/devit-tel/sagapm/pkg/types"
)

func TestDedupeKey_StableForSameTimer(t *testing.T) {
	t1 := types.Timer{TransactionID: "tx1", TaskID: "task1", Kind: types.TimerRetryDelay}
	t2 := types.Timer{TransactionID: "tx1", TaskID: "task1", Kind: types.TimerRetryDelay}
	if dedupeKey(t1) != dedupeKey(t2) {
		t.Fatalf("expected identical timers to dedupe to the same key")
	}
}

func TestDedupeKey_DiffersByKind(t *testing.T) {
	retry := types.Timer{TransactionID: "tx1", TaskID: "task1", Kind: types.TimerRetryDelay}
	timeout := types.Timer{TransactionID: "tx1", TaskID: "task1", Kind: types.TimerTimeout}
	if dedupeKey(retry) == dedupeKey(timeout) {
		t.Fatalf("expected distinct timer kinds on the same task to dedupe separately")
	}
}
