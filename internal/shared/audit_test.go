package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryAuditLogValidates(t *testing.T) {
	var log MemoryAuditLog
	ctx := context.Background()

	require.ErrorIs(t, log.Record(ctx, AuditLog{Action: "sale.confirm"}), ErrInvalidAuditLog)
	require.NoError(t, log.Record(ctx, AuditLog{ActorID: "ana", Action: "sale.confirm", Entity: "sale", EntityID: "1"}))

	entries := log.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "ana", entries[0].ActorID)
}

func TestNilAuditLoggerFails(t *testing.T) {
	var logger *AuditLogger
	require.Error(t, logger.Record(context.Background(), AuditLog{Action: "a", Entity: "b", EntityID: "c"}))
}
