package storage

import (
	"errors"
	"testing"
)

func TestMemDBPutGet(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %s", got)
	}

	if err := db.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = db.Get([]byte("k"))
	if string(got) != "v2" {
		t.Fatalf("expected v2 after overwrite, got %s", got)
	}

	ok, err := db.Has([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("expected key to exist, ok=%v err=%v", ok, err)
	}
	ok, err = db.Has([]byte("missing"))
	if err != nil || ok {
		t.Fatalf("expected key to be absent, ok=%v err=%v", ok, err)
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte("payload")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'X'
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("stored value aliased caller slice: %s", got)
	}
	got[0] = 'Y'
	again, _ := db.Get([]byte("k"))
	if string(again) != "payload" {
		t.Fatalf("returned value aliased stored slice: %s", again)
	}
}
