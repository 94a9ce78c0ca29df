package model

import (
	"encoding/json"
	"testing"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"company": "PATIO GRILL", "cnpj": "27.765.542/0001-01"}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}

	if decoded["company"] != "PATIO GRILL" {
		t.Fatalf("expected company PATIO GRILL, got %v", decoded["company"])
	}

	var scanned JSONB
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if scanned.String("cnpj") != "27.765.542/0001-01" {
		t.Fatalf("expected scanned cnpj, got %v", scanned["cnpj"])
	}
}

func TestJSONBScanString(t *testing.T) {
	var scanned JSONB
	if err := scanned.Scan(`{"seller_first_name":"JOAO"}`); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if scanned.String("seller_first_name") != "JOAO" {
		t.Fatalf("unexpected value %v", scanned)
	}
	if scanned.String("missing") != "" {
		t.Fatalf("expected empty string for missing key")
	}
}

func TestJSONBScanRejectsUnknownType(t *testing.T) {
	var scanned JSONB
	if err := scanned.Scan(42); err == nil {
		t.Fatal("expected error scanning int")
	}
}

func TestJSONBGormDataType(t *testing.T) {
	value := JSONB{"ok": true}
	if value.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", value.GormDataType())
	}
}
