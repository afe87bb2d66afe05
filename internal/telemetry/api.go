// Package telemetry names every logical remote call the host makes and
// receives structured success/failure reports per call. The API set is
// closed; names are used purely for telemetry and ANR labeling.
package telemetry

// API identifies one logical remote call to a car app.
type API string

const (
	APIBind                 API = "bind"
	APIGetAppVersion        API = "getAppVersion"
	APIOnHandshakeCompleted API = "onHandshakeCompleted"
	APIOnAppCreate          API = "onAppCreate"
	APIOnNewIntent          API = "onNewIntent"
	APIGetManager           API = "getManager"
	APIOnAppStart           API = "onAppStart"
	APIOnAppResume          API = "onAppResume"
	APIOnAppPause           API = "onAppPause"
	APIOnAppStop            API = "onAppStop"
	APIOnBackPressed        API = "onBackPressed"
	APIStartLocationUpdates API = "startLocationUpdates"
	APIStopLocationUpdates  API = "stopLocationUpdates"
	APIOnSurfaceAvailable   API = "onSurfaceAvailable"
	APIOnSurfaceDestroyed   API = "onSurfaceDestroyed"
)
