package provenancesink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

func TestNew_DisabledReturnsNilSink(t *testing.T) {
	sink, err := New(context.Background(), hmlrconfig.ProvenanceConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, sink)
}

func TestNilSink_MirrorIsNoop(t *testing.T) {
	var sink *Sink
	sink.Mirror(context.Background(), hmlrmodels.DossierProvenanceEntry{DossierID: "d1", Operation: hmlrmodels.OpCreate})
	require.NoError(t, sink.Close())
}

func TestNew_UnreachableClickHouseErrors(t *testing.T) {
	_, err := New(context.Background(), hmlrconfig.ProvenanceConfig{Enabled: true, DSN: "clickhouse://127.0.0.1:1/default"})
	require.Error(t, err)
}
