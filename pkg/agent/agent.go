// Package agent implements the ramdisk-agent token lifecycle and
// fast-track eligibility gating (C7): generation, presence/validity
// checks, version support detection, and the wipe rules that keep a
// node's driver_internal_info consistent across power transitions.
//
// Grounded on the teacher's TokenManager (pkg/manager/token.go):
// crypto/rand generation and map-backed storage, here keyed into a
// single node's driver_internal_info instead of a cluster-wide token
// map, and extended with the heartbeat-window and version-parsing logic
// this domain needs.
package agent

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/config"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/types"
)

// driver_internal_info keys (§4.7).
const (
	keySecretToken            = "agent_secret_token"
	keySecretTokenPregenerated = "agent_secret_token_pregenerated"
	keyAgentURL               = "agent_url"
	keyLastHeartbeat          = "agent_last_heartbeat"
	keyCachedDeploySteps      = "agent_cached_deploy_steps"
	keyCachedCleanSteps       = "agent_cached_clean_steps"
	keyLastPowerStateChange   = "last_power_state_change"
)

// minimumSupportedVersion is the agent version threshold (§4.7):
// is_agent_token_supported requires a version strictly greater than this.
var minimumSupportedVersion = [3]int{6, 1, 0}

// versionPattern matches the distutils-StrictVersion-like grammar the
// ramdisk agent reports: "major.minor[.patch][{a|b}N]". No pack library
// implements this exact (non-semver) grammar, so it is parsed directly.
var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?(?:[ab]\d+)?$`)

// AddSecretToken generates a fresh, URL-safe, >=128-bit CSPRNG token and
// stores it on node. If pregenerated, the token is flagged to survive
// power-off/reboot (I5).
func AddSecretToken(node *types.Node, pregenerated bool) error {
	raw := make([]byte, 20) // 160 bits; >= the 128-bit floor required by I4
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating agent secret token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	ensureDriverInternalInfo(node)
	node.DriverInternalInfo[keySecretToken] = token
	if pregenerated {
		node.DriverInternalInfo[keySecretTokenPregenerated] = true
	}
	return nil
}

func ensureDriverInternalInfo(node *types.Node) {
	if node.DriverInternalInfo == nil {
		node.DriverInternalInfo = make(map[string]any)
	}
}

func stringField(node *types.Node, key string) (string, bool) {
	if node.DriverInternalInfo == nil {
		return "", false
	}
	v, ok := node.DriverInternalInfo[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsAgentTokenPresent reports whether node has a stored secret token.
func IsAgentTokenPresent(node *types.Node) bool {
	_, ok := stringField(node, keySecretToken)
	return ok
}

// IsAgentTokenValid constant-time compares supplied against the stored
// token. A blank supplied value is always invalid.
func IsAgentTokenValid(node *types.Node, supplied string) (valid bool) {
	defer func() {
		outcome := "invalid"
		if valid {
			outcome = "valid"
		}
		metrics.AgentTokenValidationsTotal.WithLabelValues(outcome).Inc()
	}()
	if supplied == "" {
		return false
	}
	stored, ok := stringField(node, keySecretToken)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// IsAgentTokenPregenerated reports the pregenerated flag, defaulting false.
func IsAgentTokenPregenerated(node *types.Node) bool {
	if node.DriverInternalInfo == nil {
		return false
	}
	v, _ := node.DriverInternalInfo[keySecretTokenPregenerated].(bool)
	return v
}

// IsAgentTokenSupported parses agentVersion (replacing the first ".dev"
// substring with "b", matching the wire format the ramdisk agent
// actually reports) and returns whether it is strictly newer than 6.1.0.
func IsAgentTokenSupported(agentVersion string) (bool, error) {
	normalized := strings.Replace(agentVersion, ".dev", "b", 1)

	m := versionPattern.FindStringSubmatch(normalized)
	if m == nil {
		return false, fmt.Errorf("cannot parse agent version %q", agentVersion)
	}

	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch := 0
	if m[3] != "" {
		patch, _ = strconv.Atoi(m[3])
	}

	got := [3]int{major, minor, patch}
	for i := range got {
		if got[i] != minimumSupportedVersion[i] {
			return got[i] > minimumSupportedVersion[i], nil
		}
	}
	return false, nil // exactly equal (or an equal-numbered prerelease) is not "strictly greater"
}

// FastTrackAble reports whether the image-writing, pre-heartbeat portion
// of fast-track eligibility holds: config flag on, the driver intends to
// write an image, and no outstanding last_error.
func FastTrackAble(cfg config.DeployConfig, shouldWriteImage bool, node *types.Node) bool {
	return cfg.FastTrack && shouldWriteImage && node.LastError == ""
}

// IsFastTrack additionally requires a recent heartbeat and a driver-
// reported POWER_ON state. A missing heartbeat is treated as the Unix
// epoch, i.e. always stale.
func IsFastTrack(cfg config.DeployConfig, clk clock.Clock, shouldWriteImage bool, node *types.Node, currentPowerState types.PowerState) (fastTrack bool) {
	defer func() {
		metrics.FastTrackDecisionsTotal.WithLabelValues(strconv.FormatBool(fastTrack)).Inc()
	}()
	if !FastTrackAble(cfg, shouldWriteImage, node) {
		return false
	}
	if currentPowerState != types.PowerOn {
		return false
	}

	heartbeat := time.Unix(0, 0).UTC()
	if s, ok := stringField(node, keyLastHeartbeat); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			heartbeat = parsed
		}
	}

	window := cfg.FastTrackTimeout
	if window <= 0 {
		window = 300 * time.Second
	}
	return clk.Now().Sub(heartbeat) <= window
}

// StampLastPowerStateChange records now as the last_power_state_change
// timestamp, ISO-8601 UTC as §4.3 step 4 requires.
func StampLastPowerStateChange(node *types.Node, now time.Time) {
	ensureDriverInternalInfo(node)
	node.DriverInternalInfo[keyLastPowerStateChange] = now.UTC().Format(time.RFC3339Nano)
}

// WipeOnPowerOff is the §4.3 step-5 / §4.7 sub-routine invoked whenever a
// power action will put the node off the wire (POWER_OFF, SOFT_POWER_OFF,
// REBOOT, SOFT_REBOOT): agent_url is always removed; the secret token
// survives only if it was pregenerated.
func WipeOnPowerOff(node *types.Node) {
	if node.DriverInternalInfo == nil {
		return
	}
	delete(node.DriverInternalInfo, keyAgentURL)
	if !IsAgentTokenPregenerated(node) {
		delete(node.DriverInternalInfo, keySecretToken)
	}
	delete(node.DriverInternalInfo, keyCachedDeploySteps)
	delete(node.DriverInternalInfo, keyCachedCleanSteps)
}

// WipeTokenAndURL is the operation-end routine: remove the secret token,
// its pregenerated flag, and the agent URL together, unconditionally.
func WipeTokenAndURL(node *types.Node) {
	if node.DriverInternalInfo == nil {
		return
	}
	delete(node.DriverInternalInfo, keySecretToken)
	delete(node.DriverInternalInfo, keySecretTokenPregenerated)
	delete(node.DriverInternalInfo, keyAgentURL)
}
