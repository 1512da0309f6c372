package handler

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"

	"pulse-server/internal/apierrors"
	"pulse-server/internal/store"
)

// The tag loads responses through a script element, so callbacks must be one
// of the functions it registers itself. Anything else is rejected to keep the
// endpoint from echoing attacker-chosen script.
var jsonpCallbackPattern = regexp.MustCompile(`^window\.PulseInsightsObject\.jsonpCallbacks\.request_\d+$`)

// serveRequest is the query surface shared by the serving endpoints.
type serveRequest struct {
	Identifier    string
	UDID          string
	DeviceType    store.DeviceType
	Callback      string
	ClientKey     string
	URL           string
	VisitCount    *int
	PageviewCount *int
	LaunchTimes   *int
	InstallDays   *int
	CustomData    store.JSONB
	PreviewMode   bool
}

// parseServeRequest validates the shared serving parameters. On failure the
// 400 has already been written and ok is false.
func parseServeRequest(c *gin.Context) (serveRequest, bool) {
	req := serveRequest{
		Identifier: c.Query("identifier"),
		UDID:       c.Query("udid"),
		Callback:   c.Query("callback"),
		ClientKey:  c.Query("client_key"),
		URL:        c.Query("url"),
	}

	if req.Identifier == "" {
		apierrors.MissingParam(c, "identifier")
		return serveRequest{}, false
	}
	if req.UDID == "" {
		apierrors.MissingParam(c, "udid")
		return serveRequest{}, false
	}

	deviceType := c.Query("device_type")
	if deviceType == "" {
		apierrors.MissingParam(c, "device_type")
		return serveRequest{}, false
	}
	if !store.ValidDeviceType(deviceType) {
		apierrors.InvalidParam(c, "device_type")
		return serveRequest{}, false
	}
	req.DeviceType = store.DeviceType(deviceType)

	if req.Callback != "" && !jsonpCallbackPattern.MatchString(req.Callback) {
		apierrors.InvalidParam(c, "callback")
		return serveRequest{}, false
	}

	var ok bool
	if req.VisitCount, ok = intQuery(c, "visit_count"); !ok {
		return serveRequest{}, false
	}
	if req.PageviewCount, ok = intQuery(c, "pageview_count"); !ok {
		return serveRequest{}, false
	}
	if req.LaunchTimes, ok = intQuery(c, "launch_times"); !ok {
		return serveRequest{}, false
	}
	if req.InstallDays, ok = intQuery(c, "install_days"); !ok {
		return serveRequest{}, false
	}

	if raw := c.Query("custom_data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.CustomData); err != nil {
			apierrors.InvalidParam(c, "custom_data")
			return serveRequest{}, false
		}
	}

	req.PreviewMode = boolQuery(c, "preview_mode")
	return req, true
}

func intQuery(c *gin.Context, name string) (*int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		apierrors.InvalidParam(c, name)
		return nil, false
	}
	return &v, true
}

func boolQuery(c *gin.Context, name string) bool {
	switch c.Query(name) {
	case "true", "1":
		return true
	}
	return false
}

// render writes the payload either as plain JSON or wrapped in the validated
// JSONP callback, which legacy tags on file:// and ancient browsers rely on.
func render(c *gin.Context, callback string, payload interface{}) {
	if callback == "" {
		c.JSON(http.StatusOK, payload)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}
	out := make([]byte, 0, len(callback)+len(body)+2)
	out = append(out, callback...)
	out = append(out, '(')
	out = append(out, body...)
	out = append(out, ')')
	c.Data(http.StatusOK, "application/javascript", out)
}
