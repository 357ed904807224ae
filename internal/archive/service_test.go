package archive

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDeliveryObjectKey(t *testing.T) {
	orgID := uuid.MustParse("7f8a1c2e-0000-4000-8000-000000000001")
	deliveryID := uuid.MustParse("7f8a1c2e-0000-4000-8000-000000000002")
	receivedAt := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)

	key := deliveryObjectKey(orgID, deliveryID, receivedAt)
	want := orgID.String() + "/2026-03-14/" + deliveryID.String() + ".json"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

func TestDeliveryObjectKeyUsesUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	receivedAt := time.Date(2026, 3, 15, 2, 0, 0, 0, loc)

	key := deliveryObjectKey(uuid.New(), uuid.New(), receivedAt)
	if !strings.Contains(key, "/2026-03-14/") {
		t.Errorf("key should bucket by UTC date, got %q", key)
	}
}
