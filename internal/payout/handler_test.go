package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/escrow-engine/internal/provider"
	"github.com/creatorpay/escrow-engine/internal/providerstub"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(creator bool) (*Handler, *MemoryStore) {
	store := NewMemoryStore()
	adapter := providerstub.New()
	mgr := New(store, adapter, fakeAccountType{creator: creator}, slog.Default())
	return NewHandler(mgr, adapter), store
}

type fakeAccountType struct{ creator bool }

func (f fakeAccountType) IsCreator(_ context.Context, _ string) (bool, error) {
	return f.creator, nil
}

func doRequest(t *testing.T, h *Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	h.RegisterRoutes(r.Group(""))

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Setup_MobileMoney(t *testing.T) {
	h, _ := newTestHandler(true)
	rec := doRequest(t, h, http.MethodPost, "/seller/payout-account", "seller1", setupRequest{
		Method:            MobileMoney,
		MobileMoneyNumber: "0712345678",
		Name:              "Jane Seller",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Setup_RejectsNonCreator(t *testing.T) {
	h, _ := newTestHandler(false)
	rec := doRequest(t, h, http.MethodPost, "/seller/payout-account", "seller1", setupRequest{
		Method:            MobileMoney,
		MobileMoneyNumber: "0712345678",
		Name:              "Jane Seller",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a non-creator account, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Setup_RejectsMissingMobileNumber(t *testing.T) {
	h, _ := newTestHandler(true)
	rec := doRequest(t, h, http.MethodPost, "/seller/payout-account", "seller1", setupRequest{
		Method: MobileMoney,
		Name:   "Jane Seller",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing mobile money number, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_GetAndRemove(t *testing.T) {
	h, _ := newTestHandler(true)
	setupRec := doRequest(t, h, http.MethodPost, "/seller/payout-account", "seller1", setupRequest{
		Method:            MobileMoney,
		MobileMoneyNumber: "0712345678",
		Name:              "Jane Seller",
	})
	if setupRec.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d", setupRec.Code)
	}

	getRec := doRequest(t, h, http.MethodGet, "/seller/payout-account", "seller1", nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}

	removeRec := doRequest(t, h, http.MethodDelete, "/seller/payout-account", "seller1", nil)
	if removeRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", removeRec.Code, removeRec.Body.String())
	}

	getAfterRemove := doRequest(t, h, http.MethodGet, "/seller/payout-account", "seller1", nil)
	if getAfterRemove.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after removal, got %d: %s", getAfterRemove.Code, getAfterRemove.Body.String())
	}
}

func TestHandler_ListBanks(t *testing.T) {
	h, _ := newTestHandler(true)
	rec := doRequest(t, h, http.MethodGet, "/seller/banks", "seller1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Banks []provider.Bank `json:"banks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Banks) == 0 {
		t.Fatal("expected at least one bank from the stub adapter")
	}
}

func TestHandler_VerifyAccount(t *testing.T) {
	h, _ := newTestHandler(true)
	rec := doRequest(t, h, http.MethodPost, "/seller/verify-account", "seller1", verifyAccountRequest{
		AccountNumber: "0011223344",
		BankCode:      "01",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		AccountName string `json:"accountName"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.AccountName == "" {
		t.Fatal("expected a resolved account name")
	}
}
