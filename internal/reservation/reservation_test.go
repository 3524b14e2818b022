package reservation

import (
	"encoding/json"
	"testing"
)

func TestIDUnmarshalJSON(t *testing.T) {
	var r Reservation
	if err := json.Unmarshal([]byte(`{"id": 42}`), &r); err != nil {
		t.Fatalf("numeric id: %v", err)
	}
	if r.ID != "42" {
		t.Errorf("numeric id = %q, want 42", r.ID)
	}

	if err := json.Unmarshal([]byte(`{"id": "temp-abc"}`), &r); err != nil {
		t.Fatalf("string id: %v", err)
	}
	if r.ID != "temp-abc" || !r.ID.IsTemp() {
		t.Errorf("string id = %q, IsTemp = %v", r.ID, r.ID.IsTemp())
	}
}

func TestNormalizeID(t *testing.T) {
	if NormalizeID(42) != NormalizeID("42") {
		t.Error("int and string forms of the same id should normalize equal")
	}
	if NormalizeID(float64(7)) != ID("7") {
		t.Errorf("float64 form = %q, want 7", NormalizeID(float64(7)))
	}
}

func TestIntervalPrefersStartAt(t *testing.T) {
	r := Reservation{
		ID:       "1",
		Date:     "2024-06-01",
		Time:     "09:00",
		Duration: "01:00",
		StartAt:  "2024-06-01T14:00:00Z",
		EndAt:    "2024-06-01T15:30:00Z",
	}
	iv, err := r.Interval()
	if err != nil {
		t.Fatalf("Interval: %v", err)
	}
	if iv.Start != 840 || iv.End != 930 {
		t.Errorf("startAt/endAt should win, got %+v", iv)
	}
}

func TestIntervalFromSlotFields(t *testing.T) {
	r := Reservation{ID: "1", Date: "2024-06-01", Time: "09:00", Duration: "01:30"}
	iv, err := r.Interval()
	if err != nil {
		t.Fatalf("Interval: %v", err)
	}
	if iv.Date != "2024-06-01" || iv.Start != 540 || iv.End != 630 {
		t.Errorf("unexpected interval: %+v", iv)
	}

	// EndTime substitutes for a missing duration.
	r = Reservation{ID: "2", Date: "2024-06-01", Time: "10:00", EndTime: "11:00"}
	iv, err = r.Interval()
	if err != nil {
		t.Fatalf("Interval with endTime: %v", err)
	}
	if iv.Start != 600 || iv.End != 660 {
		t.Errorf("unexpected endTime interval: %+v", iv)
	}

	if _, err := (Reservation{ID: "3"}).Interval(); err == nil {
		t.Error("expected error for unresolvable time range")
	}
}

func TestDayFromStartAt(t *testing.T) {
	r := Reservation{ID: "1", StartAt: "2024-06-02T09:00:00Z", EndAt: "2024-06-02T10:00:00Z"}
	if day := r.Day(); day != "2024-06-02" {
		t.Errorf("Day = %q, want 2024-06-02", day)
	}
}

func TestRedact(t *testing.T) {
	r := Reservation{
		ID:               "9",
		Type:             TypeClase,
		UserID:           "u1",
		MembershipNumber: "m1",
		Notes:            "recurring monday slot",
		IsPrivateInfo:    true,
	}

	owner := Viewer{UserID: "u1", Role: RoleUser}
	if got := Redact(r, owner); got.Type != TypeClase || got.UserID != "u1" {
		t.Error("owner should see the full record")
	}

	admin := Viewer{UserID: "other", Role: RoleAdmin}
	if got := Redact(r, admin); got.Type != TypeClase {
		t.Error("admin should see the full record")
	}

	stranger := Viewer{UserID: "u2", Role: RoleSocio}
	got := Redact(r, stranger)
	if got.Type != TypePrivate {
		t.Errorf("stranger type = %q, want %q", got.Type, TypePrivate)
	}
	if got.UserID != "" || got.MembershipNumber != "" || got.Notes != "" {
		t.Error("stranger should not see identity fields")
	}

	byMembership := Viewer{MembershipNumber: "m1", Role: RoleSocio}
	if got := Redact(r, byMembership); got.Type != TypeClase {
		t.Error("membership-number owner should see the full record")
	}

	public := Reservation{ID: "10", Type: TypeNormal, UserID: "u3"}
	if got := Redact(public, stranger); got.UserID != "u3" {
		t.Error("non-private records are never redacted")
	}
}

func TestFiltersMatch(t *testing.T) {
	r := Reservation{ID: "1", CourtID: 5, Date: "2024-06-01", Time: "09:00", Status: StatusConfirmed, UserID: "u1"}

	if !(Filters{}).Match(r) {
		t.Error("empty filters should match everything")
	}
	if !(Filters{Date: "2024-06-01", CourtID: 5}).Match(r) {
		t.Error("matching filters should pass")
	}
	if (Filters{CourtID: 6}).Match(r) {
		t.Error("court mismatch should fail")
	}
	if (Filters{Status: StatusPending}).Match(r) {
		t.Error("status mismatch should fail")
	}
	if (Filters{UserID: "u2"}).Match(r) {
		t.Error("user mismatch should fail")
	}
}

func TestMergeKeepsUnsetFields(t *testing.T) {
	base := Reservation{ID: "1", CourtID: 5, Date: "2024-06-01", Time: "09:00", Status: StatusPending, Notes: "warmup"}
	status := StatusConfirmed
	merged := base.Merge(Patch{Status: &status})

	if merged.Status != StatusConfirmed {
		t.Errorf("Status = %q, want confirmed", merged.Status)
	}
	if merged.Notes != "warmup" || merged.CourtID != 5 {
		t.Error("unpatched fields must survive a merge")
	}
}

func TestMergeLeavesSourceMetadataUntouched(t *testing.T) {
	base := Reservation{ID: "1", StatusMetadata: map[string]any{"confirmedAt": "2024-05-30"}}
	merged := base.Merge(Patch{StatusMetadata: map[string]any{"reason": "rain"}})

	if _, leaked := base.StatusMetadata["reason"]; leaked {
		t.Error("merge must not write into the source record's metadata map")
	}
	if merged.StatusMetadata["confirmedAt"] != "2024-05-30" || merged.StatusMetadata["reason"] != "rain" {
		t.Errorf("merged metadata = %v, want both keys", merged.StatusMetadata)
	}
}

func TestPatchFromSkipsZeroFields(t *testing.T) {
	narrow := Reservation{ID: "1", Status: StatusPaid}
	p := PatchFrom(narrow)
	if p.CourtID != nil || p.Date != nil || p.UserID != nil {
		t.Error("zero fields must not be carried into the patch")
	}

	full := Reservation{ID: "1", CourtID: 5, Date: "2024-06-01", Time: "09:00", UserID: "u1", Status: StatusPending}
	merged := full.Merge(p)
	if merged.Status != StatusPaid {
		t.Errorf("Status = %q, want paid", merged.Status)
	}
	if merged.CourtID != 5 || merged.UserID != "u1" {
		t.Error("narrower record must not destroy previously populated fields")
	}
}
