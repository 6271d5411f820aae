package setup

import (
	"fmt"

	"github.com/ridermw/ClawdBody/internal/provider"
)

// DefaultGatewayPort is where the remote gateway listens for messaging
// traffic.
const DefaultGatewayPort = 18789

// ScriptSet holds the shell commands a driver runs on the instance. All
// current images are Debian-based, so the sets differ mainly in whether
// they can use sudo.
type ScriptSet struct {
	Tooling            []string
	InstallAgent       string
	WriteGatewayConfig func(gw GatewayConfig) string
	StartGateway       string
	VerifyGateway      func(port int) string
}

// DefaultScripts returns the script set for a provider kind.
func DefaultScripts(kind provider.Kind) ScriptSet {
	switch kind {
	case provider.KindKube:
		// Pod containers run as root; no sudo available or needed.
		return scriptSet("")
	default:
		return scriptSet("sudo ")
	}
}

func scriptSet(sudo string) ScriptSet {
	return ScriptSet{
		Tooling: []string{
			sudo + "apt-get update -y",
			sudo + "apt-get install -y curl git ca-certificates",
			"curl -fsSL https://deb.nodesource.com/setup_22.x | " + sudo + "bash - && " + sudo + "apt-get install -y nodejs",
		},
		InstallAgent: sudo + "npm install -g clawd-agent",
		WriteGatewayConfig: func(gw GatewayConfig) string {
			return fmt.Sprintf(
				`mkdir -p ~/.clawd && cat > ~/.clawd/gateway.yaml <<'EOF'
port: %d
authToken: %s
messaging:
  token: %s
  allowedUser: %s
EOF
chmod 600 ~/.clawd/gateway.yaml`,
				gw.Port, gw.AuthToken, gw.MessagingToken, gw.MessagingUserID)
		},
		StartGateway: "nohup clawd-gateway --config ~/.clawd/gateway.yaml >/dev/null 2>&1 & sleep 1",
		VerifyGateway: func(port int) string {
			return fmt.Sprintf("pgrep -f clawd-gateway >/dev/null && (ss -tln | grep -q ':%d ')", port)
		},
	}
}
