package platformclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmail_ReturnsResolvedAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/users/user_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"email": "jane@example.test", "isCreator": true})
	}))
	defer server.Close()

	c := New(server.URL)
	email, err := c.Email(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("Email: %v", err)
	}
	if email != "jane@example.test" {
		t.Fatalf("expected jane@example.test, got %s", email)
	}
}

func TestIsCreator_ReflectsUserRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"email": "x@example.test", "isCreator": false})
	}))
	defer server.Close()

	c := New(server.URL)
	isCreator, err := c.IsCreator(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("IsCreator: %v", err)
	}
	if isCreator {
		t.Fatal("expected isCreator to be false")
	}
}

func TestAdmins_ReturnsIDList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/users/admins" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]string{"admin_1", "admin_2"})
	}))
	defer server.Close()

	c := New(server.URL)
	ids, err := c.Admins(context.Background())
	if err != nil {
		t.Fatalf("Admins: %v", err)
	}
	if len(ids) != 2 || ids[0] != "admin_1" || ids[1] != "admin_2" {
		t.Fatalf("unexpected admin ids: %v", ids)
	}
}

func TestGetUser_NonOKStatusIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL)
	if _, err := c.Email(context.Background(), "missing"); err == nil {
		t.Fatal("expected a non-200 response to be surfaced as an error")
	}
}

func TestGetUser_MalformedJSONIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	c := New(server.URL)
	if _, err := c.Email(context.Background(), "user_1"); err == nil {
		t.Fatal("expected malformed JSON to be surfaced as an error")
	}
}

func TestAdmins_NonOKStatusIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL)
	if _, err := c.Admins(context.Background()); err == nil {
		t.Fatal("expected a non-200 admin list response to be surfaced as an error")
	}
}
