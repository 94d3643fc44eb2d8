package identity

import (
	"net/http"
	"strings"
	"time"

	gateway "github.com/focusguard/focusd/apigateway"
	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=64"`
	Fullname string `json:"fullname"`
	Role     string `json:"role" binding:"omitempty,oneof=Student Parent"`
	DeviceID string `json:"device_id" binding:"required"`
	FCMToken string `json:"fcm_token"`
}

// RegisterHandler creates a password-provider account. Social accounts
// are created implicitly on first authenticate instead.
func (s *Service) RegisterHandler(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}

	account := &focus_fields.Account{
		PublicID: uuid.NewString(),
		Email:    req.Email,
		Fullname: req.Fullname,
		Role:     req.Role,
		IsActive: true,
	}
	account.SanitizeEmail()
	if err := account.HashPassword(req.Password); err != nil {
		c.JSON(http.StatusInternalServerError, apperr.Payload(err))
		return
	}

	err := s.Db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			return apperr.Wrap(err, apperr.ErrAlreadyLinked, "email already registered")
		}
		link := focus_fields.ProviderLink{
			AccountID:       account.ID,
			ProviderKind:    focus_fields.ProviderPassword,
			ProviderSubject: account.Email,
			Email:           account.Email,
		}
		if err := tx.Create(&link).Error; err != nil {
			return apperr.Wrap(err, apperr.ErrAlreadyLinked, "email already registered")
		}
		return nil
	})
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	s.Logger.WithField("account_id", account.PublicID).Info("account registered")

	result, err := s.Authenticate(c.Request.Context(), Credential{
		ProviderKind: focus_fields.ProviderPassword,
		Email:        account.Email,
		Password:     req.Password,
		DeviceID:     req.DeviceID,
		FCMToken:     req.FCMToken,
	})
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.Header("Authorization", result.Token)
	c.JSON(http.StatusCreated, result)
}

// LoginHandler is the focusd sign-in endpoint for every provider kind.
func (s *Service) LoginHandler(c *gin.Context) {
	var cred Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	result, err := s.Authenticate(c.Request.Context(), cred)
	if err != nil {
		s.Logger.WithField("provider", cred.ProviderKind).WithError(err).Info("authenticate failed")
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.Header("Authorization", result.Token)
	c.JSON(http.StatusOK, result)
}

// LinkHandler attaches another provider to the authenticated account.
func (s *Service) LinkHandler(c *gin.Context) {
	var cred Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	link, err := s.LinkProvider(c.Request.Context(), gateway.AccountFromCtx(c), cred)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": link})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	FCMToken     string `json:"fcm_token"`
}

// RefreshHandler rotates a refresh token into a fresh session token.
// The app re-sends its FCM registration token here so a token rotated
// by the OS still reaches the device.
func (s *Service) RefreshHandler(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	result, err := s.Refresh(strings.TrimSpace(req.RefreshToken))
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	s.registerDevice(c.Request.Context(), result.Account.PublicID, result.Session.DeviceID, req.FCMToken)
	c.Header("Authorization", result.Token)
	c.JSON(http.StatusOK, result)
}

// LogoutHandler tears down the session and its refresh chain.
func (s *Service) LogoutHandler(c *gin.Context) {
	if err := s.SignOut(gateway.SessionFromCtx(c)); err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

type signInCodeRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// SignInCodeHandler starts the forgot-password flow. The code is
// delivered out of band; it is never echoed in the response outside
// debug builds.
func (s *Service) SignInCodeHandler(c *gin.Context) {
	var req signInCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	code, err := s.GenerateSignInCode(req.Email)
	if err != nil {
		// Not-found is masked: the endpoint never confirms whether an
		// email exists.
		c.JSON(http.StatusCreated, gin.H{"status": "ok"})
		return
	}
	s.Logger.WithField("email", req.Email).Debug("sign-in code generated")
	resp := gin.H{"status": "ok", "issued_at": time.Now().UTC()}
	if s.Config.IsDebug {
		resp["code"] = code
	}
	c.JSON(http.StatusCreated, resp)
}

type verifyCodeRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Code        string `json:"code" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8,max=64"`
}

// VerifyCodeHandler finishes the forgot-password flow.
func (s *Service) VerifyCodeHandler(c *gin.Context) {
	var req verifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	if err := s.VerifySignInCode(req.Email, req.Code, req.NewPassword); err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

// DeactivateHandler is admin-only: accounts are switched off, never
// deleted.
func (s *Service) DeactivateHandler(c *gin.Context) {
	accountID := c.Param("id")
	if err := s.Deactivate(accountID); err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}
