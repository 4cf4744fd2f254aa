package models

// Application selects the remote collection an experiment is published to
// and the identifier clients hash into buckets.
type Application string

const (
	ApplicationDesktop      Application = "firefox-desktop"
	ApplicationFenix        Application = "fenix"
	ApplicationIOS          Application = "ios"
	ApplicationFocusAndroid Application = "focus-android"
	ApplicationKlarAndroid  Application = "klar-android"
	ApplicationFocusIOS     Application = "focus-ios"
	ApplicationKlarIOS      Application = "klar-ios"
	ApplicationMonitor      Application = "monitor-web"
	ApplicationVPN          Application = "vpn-web"
	ApplicationFxA          Application = "fxa-web"
	ApplicationDemoApp      Application = "demo-app"
)

// RandomizationUnit is the client identifier hashed to pick a bucket.
type RandomizationUnit string

const (
	UnitNormandyID RandomizationUnit = "normandy_id"
	UnitNimbusID   RandomizationUnit = "nimbus_id"
	UnitUserID     RandomizationUnit = "user_id"
	UnitGroupID    RandomizationUnit = "group_id"
)

type applicationConfig struct {
	appID string
	unit  RandomizationUnit
}

var applications = map[Application]applicationConfig{
	ApplicationDesktop:      {appID: "firefox-desktop", unit: UnitNormandyID},
	ApplicationFenix:        {appID: "org.mozilla.firefox", unit: UnitNimbusID},
	ApplicationIOS:          {appID: "org.mozilla.ios.Firefox", unit: UnitNimbusID},
	ApplicationFocusAndroid: {appID: "org.mozilla.focus", unit: UnitNimbusID},
	ApplicationKlarAndroid:  {appID: "org.mozilla.klar", unit: UnitNimbusID},
	ApplicationFocusIOS:     {appID: "org.mozilla.ios.Focus", unit: UnitNimbusID},
	ApplicationKlarIOS:      {appID: "org.mozilla.ios.Klar", unit: UnitNimbusID},
	ApplicationMonitor:      {appID: "monitor.cirrus", unit: UnitUserID},
	ApplicationVPN:          {appID: "mozillavpn.cirrus", unit: UnitUserID},
	ApplicationFxA:          {appID: "accounts.cirrus", unit: UnitUserID},
	ApplicationDemoApp:      {appID: "demo-app.cirrus", unit: UnitGroupID},
}

// Valid reports whether a is a known application.
func (a Application) Valid() bool {
	_, ok := applications[a]
	return ok
}

// RandomizationUnit returns the unit clients of a hash into buckets.
func (a Application) RandomizationUnit() RandomizationUnit {
	if cfg, ok := applications[a]; ok {
		return cfg.unit
	}
	return UnitNimbusID
}

// AppID is the client-facing application identifier.
func (a Application) AppID() string {
	if cfg, ok := applications[a]; ok {
		return cfg.appID
	}
	return string(a)
}
