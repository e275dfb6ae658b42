package dht_test

import (
	"testing"
	"time"

	"github.com/zif/peerd/dht"
)

func newStore(t *testing.T) *dht.Store {
	s, err := dht.NewStore("")
	fatalErr(err, t)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestStoreRecords(t *testing.T) {
	s := newStore(t)
	publisher := randomAddress(t)

	r, err := s.GetRecord("my-key")
	fatalErr(err, t)

	if r != nil {
		t.Fatal("Empty store returned a record")
	}

	fatalErr(s.PutRecord(dht.NewRecord("my-key", []byte("my-value"), *publisher, time.Hour)), t)

	r, err = s.GetRecord("my-key")
	fatalErr(err, t)

	if r == nil || string(r.Value) != "my-value" {
		t.Fatal("Record not stored")
	}

	if !r.Publisher.Equals(publisher) {
		t.Fatal("Publisher not stored")
	}

	// replace
	fatalErr(s.PutRecord(dht.NewRecord("my-key", []byte("newer"), *publisher, time.Hour)), t)

	r, err = s.GetRecord("my-key")
	fatalErr(err, t)

	if string(r.Value) != "newer" {
		t.Fatal("Record not replaced")
	}

	length, err := s.Len()
	fatalErr(err, t)

	if length != 1 {
		t.Fatalf("Expected one record, got %d", length)
	}

	big := make([]byte, dht.MaxValueSize+1)
	if err := s.PutRecord(dht.NewRecord("big", big, *publisher, time.Hour)); err != dht.ErrInvalidRecord {
		t.Fatal("Oversized record accepted")
	}
}

func TestStoreExpiry(t *testing.T) {
	s := newStore(t)
	publisher := randomAddress(t)

	r := dht.NewRecord("short-lived", []byte("v"), *publisher, time.Hour)
	r.Expires = time.Now().Add(time.Second * 2).Unix()
	fatalErr(s.PutRecord(r), t)

	r = dht.NewRecord("gone", []byte("v"), *publisher, time.Hour)
	r.Expires = time.Now().Add(-time.Second).Unix()

	if err := s.PutRecord(r); err == nil {
		t.Fatal("Expired record accepted")
	}

	found, err := s.GetRecord("short-lived")
	fatalErr(err, t)

	if found == nil {
		t.Fatal("Record should still be live")
	}

	time.Sleep(time.Second * 3)

	found, err = s.GetRecord("short-lived")
	fatalErr(err, t)

	if found != nil {
		t.Fatal("Expired record returned")
	}

	n, err := s.Expire()
	fatalErr(err, t)

	if n != 1 {
		t.Fatalf("Expected one expired row, got %d", n)
	}
}

func TestStoreProviders(t *testing.T) {
	s := newStore(t)

	a := randomEntry(t)
	b := randomEntry(t)

	fatalErr(s.AddProvider("file", a, time.Hour), t)
	fatalErr(s.AddProvider("file", b, time.Hour), t)

	// announcing again only refreshes
	fatalErr(s.AddProvider("file", a, time.Hour), t)

	providers, err := s.GetProviders("file")
	fatalErr(err, t)

	if len(providers) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(providers))
	}

	for _, p := range providers {
		fatalErr(p.Verify(), t)
	}

	none, err := s.GetProviders("nothing")
	fatalErr(err, t)

	if len(none) != 0 {
		t.Fatal("Unknown key has providers")
	}

	bad := randomEntry(t)
	bad.Name = "tampered"

	if err := s.AddProvider("file", bad, time.Hour); err == nil {
		t.Fatal("Unverified provider accepted")
	}
}

func TestStoreContent(t *testing.T) {
	s := newStore(t)

	data, err := s.GetContent("file")
	fatalErr(err, t)

	if data != nil {
		t.Fatal("Empty store returned content")
	}

	fatalErr(s.PutContent("file", []byte("contents")), t)

	data, err = s.GetContent("file")
	fatalErr(err, t)

	if string(data) != "contents" {
		t.Fatal("Content not stored")
	}

	if err := s.PutContent("file", make([]byte, dht.MaxContentSize+1)); err != dht.ErrContentTooLarge {
		t.Fatal("Oversized content accepted")
	}

	if err := s.PutContent("", []byte("x")); err == nil {
		t.Fatal("Empty key accepted")
	}

	if err := s.PutContent("other", nil); err == nil {
		t.Fatal("Empty content accepted")
	}
}
