package pairing

import (
	"net/http"

	gateway "github.com/focusguard/focusd/apigateway"
	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/gin-gonic/gin"
)

// IssueHandler mints a pairing token for the authenticated account.
func (s *Service) IssueHandler(c *gin.Context) {
	result, err := s.IssueToken(gateway.AccountFromCtx(c))
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"result": result})
}

// QRHandler renders the freshest pending token as a PNG, issuing one if
// none is outstanding. The mobile app shows this image full screen.
func (s *Service) QRHandler(c *gin.Context) {
	accountID := gateway.AccountFromCtx(c)

	var token focus_fields.PairingToken
	err := s.Db.Where("issuing_account_id = ? AND status = ?", accountID, focus_fields.TokenPending).
		Order("expires_at desc").First(&token).Error

	var qrContent string
	if err == nil {
		_, content, sealErr := s.mac.Seal(token.TokenID, accountID, token.IssuedAt.Unix())
		if sealErr != nil {
			c.JSON(http.StatusInternalServerError, apperr.Payload(sealErr))
			return
		}
		qrContent = content
	} else {
		issued, issueErr := s.IssueToken(accountID)
		if issueErr != nil {
			c.JSON(apperr.Status(issueErr), apperr.Payload(issueErr))
			return
		}
		qrContent = issued.QRContent
	}

	png, err := GenerateQR(qrContent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apperr.Payload(err))
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

type redeemRequest struct {
	// One of the three code forms: raw scanned QR content, a bare
	// token id, or the short code read aloud from the other screen.
	QRContent string `json:"qr_content"`
	TokenID   string `json:"token_id"`
	HumanCode string `json:"human_code"`
	Label     string `json:"label"`
}

// RedeemHandler consumes a scanned or typed pairing code for the
// authenticated device.
func (s *Service) RedeemHandler(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}

	tokenID := req.TokenID
	if req.QRContent != "" {
		env, err := s.VerifyEnvelope(req.QRContent)
		if err != nil {
			c.JSON(apperr.Status(err), apperr.Payload(err))
			return
		}
		tokenID = env.TokenID
	}
	if tokenID == "" && req.HumanCode != "" {
		resolved, err := s.ResolveHumanCode(req.HumanCode)
		if err != nil {
			c.JSON(apperr.Status(err), apperr.Payload(err))
			return
		}
		tokenID = resolved
	}
	if tokenID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "qr_content, token_id or human_code required", "code": "bad_request"})
		return
	}

	device, err := s.RedeemToken(c.Request.Context(), tokenID, gateway.DeviceFromCtx(c), req.Label)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": device})
}

type revokeRequest struct {
	TokenID string `json:"token_id" binding:"required"`
}

// RevokeHandler cancels a pending token the caller issued.
func (s *Service) RevokeHandler(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	if err := s.RevokeToken(req.TokenID, gateway.AccountFromCtx(c)); err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

// DevicesHandler lists the account's linked devices, the mobile app's
// "linked accounts" screen.
func (s *Service) DevicesHandler(c *gin.Context) {
	devices, err := focus_fields.GetLinkedDevices(gateway.AccountFromCtx(c), s.Db)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": devices})
}

type unlinkRequest struct {
	DeviceID  string `json:"device_id" binding:"required"`
	AccountID string `json:"account_id"`
}

// UnlinkHandler removes a linked device explicitly.
func (s *Service) UnlinkHandler(c *gin.Context) {
	var req unlinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	if !gateway.RequireAccountMatch(c, req.AccountID) {
		return
	}
	if err := focus_fields.UnlinkDevice(gateway.AccountFromCtx(c), req.DeviceID, s.Db); err != nil {
		c.JSON(http.StatusInternalServerError, apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}
