package relay

import "strings"

// Protocol is one of the session-bearing protocols a relay node exposes.
// Endpoint tables are keyed by this enum rather than handled via ad-hoc
// per-protocol branches, per the design note on dynamic endpoint tables.
type Protocol string

const (
	ProtocolRTSP   Protocol = "rtsp"
	ProtocolRTSPS  Protocol = "rtsps"
	ProtocolWebRTC Protocol = "webrtc"
	ProtocolRTMP   Protocol = "rtmp"
	ProtocolSRT    Protocol = "srt"
)

// AllProtocols lists every protocol the Session Aggregator fans out across.
func AllProtocols() []Protocol {
	return []Protocol{ProtocolRTSP, ProtocolRTSPS, ProtocolWebRTC, ProtocolRTMP, ProtocolSRT}
}

// Control API paths consumed verbatim from spec.md §6. %s placeholders are
// filled with fmt.Sprintf by the caller.
const (
	pathsList = "/v3/paths/list"

	configPathsGet    = "/v3/config/paths/get/%s"
	configPathsAdd    = "/v3/config/paths/add/%s"
	configPathsDelete = "/v3/config/paths/delete/%s"

	configGlobalGet   = "/v3/config/global/get"
	configGlobalPatch = "/v3/config/global/patch"

	mtxRTSPSessionsList   = "/v3/rtspsessions/list"
	mtxRTSPSessionsKick   = "/v3/rtspsessions/kick/%s"
	mtxRTSPSSessionsList  = "/v3/rtspssessions/list"
	mtxRTSPSSessionsKick  = "/v3/rtspssessions/kick/%s"
	mtxWebRTCSessionsList = "/v3/webrtcsessions/list"
	mtxWebRTCSessionsKick = "/v3/webrtcsessions/kick/%s"
	mtxRTMPConnsList      = "/v3/rtmpconns/list"
	mtxRTMPConnsKick      = "/v3/rtmpconns/kick/%s"
	mtxSRTConnsList       = "/v3/srtconns/list"
	mtxSRTConnsKick       = "/v3/srtconns/kick/%s"
)

type sessionEndpoints struct {
	list string
	kick string // %s = id
}

// sessionEndpointTable is the static map the design notes ask for: "404 means
// disabled" is a property of this table, not a special case at each call
// site — every entry is looked up the same way and a 404 response is handled
// uniformly by the caller.
var sessionEndpointTable = map[Protocol]sessionEndpoints{
	ProtocolRTSP:   {list: mtxRTSPSessionsList, kick: mtxRTSPSessionsKick},
	ProtocolRTSPS:  {list: mtxRTSPSSessionsList, kick: mtxRTSPSSessionsKick},
	ProtocolWebRTC: {list: mtxWebRTCSessionsList, kick: mtxWebRTCSessionsKick},
	ProtocolRTMP:   {list: mtxRTMPConnsList, kick: mtxRTMPConnsKick},
	ProtocolSRT:    {list: mtxSRTConnsList, kick: mtxSRTConnsKick},
}

// DetectProtocol maps a path's reported source type to a protocol tag, per
// fleet_manager.py's _detect_protocol: a case-insensitive substring match,
// since MediaMTX-style source types are mixed-case ("rtspSession",
// "webRTCSession", ...).
func DetectProtocol(sourceType string) string {
	lower := strings.ToLower(sourceType)
	switch {
	case strings.Contains(lower, "rtsp"):
		return string(ProtocolRTSP)
	case strings.Contains(lower, "rtmp"):
		return string(ProtocolRTMP)
	case strings.Contains(lower, "webrtc"):
		return string(ProtocolWebRTC)
	case strings.Contains(lower, "hls"):
		return "hls"
	default:
		return "unknown"
	}
}
