package main

import (
	"context"
	"time"

	firebase "firebase.google.com/go/v4"
	gateway "github.com/focusguard/focusd/apigateway"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/focusguard/focusd/identity"
	"github.com/focusguard/focusd/notifier"
	"github.com/focusguard/focusd/pairing"
	"github.com/focusguard/focusd/store"
	"github.com/focusguard/focusd/syncer"
	"github.com/focusguard/focusd/utils"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"gorm.io/gorm"
)

var logrusLogger = logrus.New()
var focusdConfig focus_fields.Config
var database *gorm.DB
var redisClient *redis.Client
var docDB *store.DB
var docStore *store.Store
var firebaseApp *firebase.App

var auth gateway.JWTAuth
var identityService identity.Service
var pairingService *pairing.Service
var changeFeed *syncer.Feed
var syncEngine *syncer.Engine
var pushNotifier *notifier.Notifier

// GetMainEngine wires every route the gateway serves.
func GetMainEngine() *gin.Engine {

	route := gin.Default()
	route.HandleMethodNotAllowed = true
	route.Use(gateway.Instrumentation())
	route.Use(gateway.RequestID())
	route.Use(gateway.RequestLogger(logrusLogger, gateway.LogSamplingConfig{After: 500 * time.Millisecond}))
	route.Use(gateway.OptionsMiddleware)

	p := ginprometheus.NewPrometheus("gin")
	p.Use(route)

	authGroup := route.Group("/auth")
	{
		authGroup.POST("/register", identityService.RegisterHandler)
		authGroup.POST("/login", identityService.LoginHandler)
		authGroup.POST("/refresh", identityService.RefreshHandler)
		authGroup.POST("/signin_code", identityService.SignInCodeHandler)
		authGroup.POST("/verify_code", identityService.VerifyCodeHandler)
		authGroup.Use(auth.AuthMiddleware())
		authGroup.POST("/link", identityService.LinkHandler)
		authGroup.POST("/logout", identityService.LogoutHandler)
	}

	pairGroup := route.Group("/pair")
	pairGroup.Use(auth.AuthMiddleware())
	{
		pairGroup.POST("/issue", pairingService.IssueHandler)
		pairGroup.GET("/qr", pairingService.QRHandler)
		pairGroup.POST("/redeem", pairingService.RedeemHandler)
		pairGroup.POST("/revoke", pairingService.RevokeHandler)
	}

	syncGroup := route.Group("/sync")
	syncGroup.Use(auth.AuthMiddleware())
	{
		syncGroup.POST("/write", syncEngine.WriteHandler)
		syncGroup.GET("/docs", syncEngine.DocumentsHandler)
		syncGroup.POST("/ack", syncEngine.AckHandler)
		syncGroup.GET("/stream", syncEngine.StreamHandler(syncer.TouchFunc(touchDevice)))
	}

	deviceGroup := route.Group("/devices")
	deviceGroup.Use(auth.AuthMiddleware())
	{
		deviceGroup.GET("/", pairingService.DevicesHandler)
		deviceGroup.POST("/unlink", pairingService.UnlinkHandler)
	}

	adminGroup := route.Group("/admin")
	adminGroup.Use(gateway.RequireAdmin(gateway.AdminAuthConfig{Key: focusdConfig.AdminKey, Debug: focusdConfig.IsDebug}))
	{
		adminGroup.POST("/deactivate/:id", identityService.DeactivateHandler)
	}

	return route
}

// touchDevice bumps last_seen_at when a device opens its change stream.
func touchDevice(accountID, deviceID string) {
	if err := focus_fields.TouchDevice(accountID, deviceID, database); err != nil {
		logrusLogger.WithError(err).Debug("device touch failed")
	}
}

func init() {
	var err error
	ctx := context.Background()

	logrusLogger.Level = logrus.DebugLevel
	logrusLogger.SetReportCaller(true)

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := v.RegisterValidation("provider", focus_fields.ProviderKindValidation); err != nil {
			logrusLogger.Fatalf("validator registration failed: %v", err)
		}
	}

	if err = loadConfig(&focusdConfig); err != nil {
		logrusLogger.Printf("error in parsing config: %v", err)
	}
	focusdConfig.Defaults()

	database, err = utils.Database(focusdConfig.DatabasePath)
	if err != nil {
		logrusLogger.Fatalf("error in connecting to db: %v", err)
	}
	if err = focus_fields.Migrate(database); err != nil {
		logrusLogger.Fatalf("error in migrating db: %v", err)
	}

	redisClient = utils.GetRedis(focusdConfig.RedisPort)

	docDB, err = store.OpenFromConfig(focusdConfig.DatabaseURL, focusdConfig.DatabasePath, focusdConfig.DBDriver)
	if err != nil {
		logrusLogger.Fatalf("error in opening document store: %v", err)
	}
	if err = store.Migrate(ctx, docDB); err != nil {
		logrusLogger.Fatalf("error in migrating document store: %v", err)
	}
	docStore = store.New(docDB)

	if focusdConfig.JWTKey != "" {
		auth = gateway.JWTAuth{Key: []byte(focusdConfig.JWTKey)}
	} else {
		auth = gateway.JWTAuth{Key: gateway.KeyFromEnv(ctx, redisClient)}
	}

	firebaseApp, err = getFirebase(focusdConfig.FirebaseCredentials)
	if err != nil {
		logrusLogger.Printf("firebase disabled: %v", err)
	}

	var sender notifier.Sender
	if firebaseApp != nil {
		if messagingClient, err := firebaseApp.Messaging(ctx); err != nil {
			logrusLogger.Printf("fcm disabled: %v", err)
		} else {
			sender = messagingClient
		}
	}
	pushNotifier = notifier.New(database, redisClient, logrusLogger, sender, focusdConfig)

	changeFeed = syncer.NewFeed(docStore, logrusLogger)
	syncEngine = syncer.NewEngine(docStore, changeFeed, logrusLogger, pushNotifier)
	pairingService = pairing.NewService(database, logrusLogger, focusdConfig, pushNotifier)
	identityService = identity.Service{
		Db:          database,
		Redis:       redisClient,
		Logger:      logrusLogger,
		Config:      focusdConfig,
		Auth:        &auth,
		FirebaseApp: firebaseApp,
	}
}
