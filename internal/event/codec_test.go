package event_test

import (
	"NFTLend/internal/event"
	"testing"
)

// ============================================================================
// Event records
// ============================================================================

func TestEventRecords_OracleSubmittedKeepsReporterAndOrigin(t *testing.T) {
	in := []event.Event{&event.OracleSubmitted{
		Origin:    event.From("quorum-1"),
		Reporter:  "EQsource1",
		Price:     150,
		UpdatedAt: 1_000,
	}}

	records, err := event.Records(in)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 || records[0].Entity != "quorum-1" || records[0].Type != event.EvtOracleSubmitted {
		t.Fatalf("records = %+v", records)
	}

	data, err := event.EncodeEvents(in)
	if err != nil {
		t.Fatalf("EncodeEvents: %v", err)
	}
	out, err := event.DecodeEvents(data)
	if err != nil {
		t.Fatalf("DecodeEvents: %v", err)
	}
	got, ok := out[0].(*event.OracleSubmitted)
	if !ok {
		t.Fatalf("decoded %T", out[0])
	}
	if got.Reporter != "EQsource1" || got.Source() != "quorum-1" || got.Price != 150 {
		t.Errorf("decoded = %+v", got)
	}
}
