package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestSubjectEscapesTenant(t *testing.T) {
	d := NewNATSDispatcher(nil, "messaging.events", zap.NewNop())
	got := d.Subject("acme.corp*", CampaignStarted)
	if got != "messaging.events.acme_corp_.campaign.started" {
		t.Fatalf("subject = %q", got)
	}
}

func TestCampaignTopic(t *testing.T) {
	id := uuid.MustParse("7b0c6f2e-2f4b-4d8e-9a53-0d2c3f1b9e11")
	if got := CampaignTopic(id); got != "campaign:7b0c6f2e-2f4b-4d8e-9a53-0d2c3f1b9e11" {
		t.Fatalf("topic = %q", got)
	}
}

func TestEnvelopeShape(t *testing.T) {
	env := NewEnvelope("tenant-1", MaturationPaused, map[string]string{"chip_id": "c1"})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "tenant_id", "event", "payload", "occurred_at"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("envelope missing %q", key)
		}
	}
	if decoded["event"] != MaturationPaused {
		t.Fatalf("event = %v", decoded["event"])
	}
}
