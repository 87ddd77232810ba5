package redaction

import "testing"

func TestScanFindsMarkerWithoutCompanion(t *testing.T) {
	payload := []byte(`{"email":"[REDACTED]"}`)
	findings, err := Scan(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].Valid {
		t.Error("expected finding to be invalid (no companion hash)")
	}
}

func TestScanValidCompanion(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	payload := []byte(`{"email":"[REDACTED]","email_hash":"` + hash + `"}`)
	findings, err := Scan(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || !findings[0].Valid {
		t.Fatalf("expected 1 valid finding, got %+v", findings)
	}
}

func TestScanAsteriskMarker(t *testing.T) {
	payload := []byte(`{"ssn":"***"}`)
	findings, err := Scan(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
}

func TestScanNested(t *testing.T) {
	payload := []byte(`{"messages":[{"content":"[REDACTED]"}]}`)
	findings, err := Scan(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
}

func TestScanNoMarkers(t *testing.T) {
	findings, err := Scan([]byte(`{"agent_id":"a1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected 0 findings, got %d", len(findings))
	}
}

func TestAnyRedactedAndAllValid(t *testing.T) {
	if AnyRedacted(nil) {
		t.Error("empty findings should not be AnyRedacted")
	}
	findings := []Finding{{Valid: true}, {Valid: false}}
	if AllValid(findings) {
		t.Error("expected AllValid to be false when one finding is invalid")
	}
}
