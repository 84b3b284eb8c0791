package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes. Only AttrOperation and the wallet shape keys are
// low-cardinality enough to reach metric labels.
var (
	AttrWalletID   = attribute.Key("quorum.wallet.id")
	AttrOperation  = attribute.Key("quorum.operation")
	AttrTxIndex    = attribute.Key("quorum.tx.index")
	AttrCaller     = attribute.Key("quorum.caller")
	AttrOwnerCount = attribute.Key("quorum.wallet.owners")
	AttrThreshold  = attribute.Key("quorum.wallet.threshold")
	AttrEffectKind = attribute.Key("quorum.effect.kind")
	AttrEffectCode = attribute.Key("quorum.effect.status_code")
)

// WalletOperation labels a wallet-scoped call.
func WalletOperation(walletID, operation, caller string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWalletID.String(walletID),
		AttrOperation.String(operation),
		AttrCaller.String(caller),
	}
}

// TransactionOperation labels a call on one transaction.
func TransactionOperation(walletID, operation string, index uint64, caller string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWalletID.String(walletID),
		AttrOperation.String(operation),
		AttrTxIndex.Int64(int64(index)), //nolint:gosec // indices stay far below MaxInt64
		AttrCaller.String(caller),
	}
}

func WalletCreation(walletID string, owners, threshold int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWalletID.String(walletID),
		AttrOperation.String("create"),
		AttrOwnerCount.Int(owners),
		AttrThreshold.Int(threshold),
	}
}

// AddSpanEvent records a named event on the span carried by ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
