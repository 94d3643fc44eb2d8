package pairing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/focusguard/focusd/apigateway"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

// stubAuth fakes what AuthMiddleware puts in the context.
func stubAuth(accountID, deviceID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(gateway.CtxAccountID, accountID)
		c.Set(gateway.CtxDeviceID, deviceID)
		c.Next()
	}
}

func testRouter(s *Service, accountID, deviceID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(stubAuth(accountID, deviceID))
	r.POST("/pair/issue", s.IssueHandler)
	r.GET("/pair/qr", s.QRHandler)
	r.POST("/pair/redeem", s.RedeemHandler)
	r.POST("/pair/revoke", s.RevokeHandler)
	r.GET("/devices/", s.DevicesHandler)
	r.POST("/devices/unlink", s.UnlinkHandler)
	return r
}

func TestPairingEndToEnd(t *testing.T) {
	service, _ := testService(t)
	issuer := testRouter(service, "acc-parent", "dev-parent")
	redeemer := testRouter(service, "acc-parent", "dev-child")

	// issue
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/pair/issue", nil)
	issuer.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body = %s", w.Code, w.Body.String())
	}
	var issueResp struct {
		Result struct {
			QRContent string `json:"qr_content"`
			HumanCode string `json:"human_code"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &issueResp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// redeem using the scanned QR content
	body, _ := json.Marshal(map[string]string{"qr_content": issueResp.Result.QRContent, "label": "Kid phone"})
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/pair/redeem", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	redeemer.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("redeem status = %d, body = %s", w.Code, w.Body.String())
	}

	// redeeming the same code again conflicts
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/pair/redeem", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	redeemer.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("second redeem status = %d, want 409", w.Code)
	}

	// the device shows up in the list
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/devices/", nil)
	issuer.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("devices status = %d", w.Code)
	}
	var devicesResp struct {
		Result []struct {
			DeviceID string `json:"device_id"`
			Label    string `json:"label"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &devicesResp); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devicesResp.Result) != 1 || devicesResp.Result[0].DeviceID != "dev-child" {
		t.Fatalf("devices = %+v", devicesResp.Result)
	}

	// unlink removes it
	body, _ = json.Marshal(map[string]string{"device_id": "dev-child"})
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/devices/unlink", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	issuer.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("unlink status = %d", w.Code)
	}
}

func TestRedeemHandler_TypedHumanCode(t *testing.T) {
	service, _ := testService(t)
	issuer := testRouter(service, "acc-parent", "dev-parent")
	redeemer := testRouter(service, "acc-parent", "dev-child")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/pair/issue", nil)
	issuer.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue status = %d", w.Code)
	}
	var issueResp struct {
		Result struct {
			HumanCode string `json:"human_code"`
		} `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &issueResp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// the code as a user would type it from the other screen
	typed := strings.ToLower(strings.ReplaceAll(issueResp.Result.HumanCode, "-", " "))
	body, _ := json.Marshal(map[string]string{"human_code": typed, "label": "Typed in"})
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/pair/redeem", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	redeemer.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("redeem status = %d, body = %s", w.Code, w.Body.String())
	}

	// an unknown code is a 404
	body, _ = json.Marshal(map[string]string{"human_code": "ZZZ-ZZZ-ZZZ"})
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/pair/redeem", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	redeemer.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown code status = %d, want 404", w.Code)
	}
}

func TestRedeemHandler_TamperedQR(t *testing.T) {
	service, _ := testService(t)
	router := testRouter(service, "acc-parent", "dev-child")

	body, _ := json.Marshal(map[string]string{"qr_content": "bm90LXJlYWxseS1hLXRva2Vu"})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/pair/redeem", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestQRHandler(t *testing.T) {
	service, _ := testService(t)
	router := testRouter(service, "acc-parent", "dev-parent")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/pair/qr", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	// png magic bytes
	if body := w.Body.Bytes(); len(body) < 8 || body[1] != 'P' || body[2] != 'N' || body[3] != 'G' {
		t.Errorf("body is not a png")
	}
}
