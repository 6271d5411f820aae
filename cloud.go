package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ridermw/ClawdBody/internal/provider"
	"github.com/ridermw/ClawdBody/internal/store"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Provision and configure a new agent host",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		instanceType, _ := cmd.Flags().GetString("type")
		region, _ := cmd.Flags().GetString("region")
		messagingToken, _ := cmd.Flags().GetString("messaging-token")
		messagingUser, _ := cmd.Flags().GetString("messaging-user")
		sshKeyPath, _ := cmd.Flags().GetString("ssh-key")

		body := map[string]string{
			"provider":        providerName,
			"apiCredential":   os.Getenv("CLAWD_AGENT_CREDENTIAL"),
			"messagingToken":  messagingToken,
			"messagingUserId": messagingUser,
			"instanceType":    instanceType,
			"region":          region,
		}
		if sshKeyPath != "" {
			key, err := os.ReadFile(sshKeyPath)
			if err != nil {
				return fmt.Errorf("read ssh key: %w", err)
			}
			body["sshPrivateKey"] = string(key)
		}

		var resp struct {
			SetupID  string `json:"setupId"`
			Provider string `json:"provider"`
		}
		if err := apiRequest("POST", "/v1/setup", http.StatusAccepted, body, &resp); err != nil {
			return err
		}

		fmt.Printf("Setup started on %s\n", resp.Provider)
		follow, _ := cmd.Flags().GetBool("follow")
		if !follow {
			fmt.Println("Run 'clawd status' to watch progress")
			return nil
		}
		return watchStatus()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show setup progress for your agent host",
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		if follow {
			return watchStatus()
		}
		status, err := fetchStatus()
		if err != nil {
			return err
		}
		printStatus(status)
		return nil
	},
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Manage raw compute instances",
}

var instancesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a bare instance without configuring it",
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		instanceType, _ := cmd.Flags().GetString("type")
		region, _ := cmd.Flags().GetString("region")

		var resp struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Addr   string `json:"addr"`
		}
		err := apiRequest("POST", "/v1/instances", http.StatusCreated, map[string]string{
			"provider": providerName,
			"type":     instanceType,
			"region":   region,
		}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("Instance created: %s (%s)\n", resp.ID, resp.Status)
		if resp.Addr != "" {
			fmt.Printf("Address: %s\n", resp.Addr)
		}
		return nil
	},
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the instances backing your agent host",
	RunE: func(cmd *cobra.Command, args []string) error {
		var instances []struct {
			ID       string `json:"id"`
			Provider string `json:"provider"`
			Status   string `json:"status"`
			Addr     string `json:"addr"`
		}
		if err := apiRequest("GET", "/v1/instances", http.StatusOK, nil, &instances); err != nil {
			return err
		}
		if len(instances) == 0 {
			fmt.Println("No instances. Run 'clawd setup' to provision one.")
			return nil
		}
		for _, inst := range instances {
			fmt.Printf("%s  %-8s  %-10s  %s\n", inst.ID, inst.Provider, inst.Status, inst.Addr)
		}
		return nil
	},
}

var instancesDeleteCmd = &cobra.Command{
	Use:   "delete [instance-id]",
	Short: "Delete an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		path := "/v1/instances/" + args[0]
		if providerName != "" {
			path += "?provider=" + providerName
		}
		if err := apiRequest("DELETE", path, http.StatusNoContent, nil, nil); err != nil {
			return err
		}
		fmt.Println("Instance deleted")
		return nil
	},
}

func init() {
	setupCmd.Flags().StringP("provider", "p", "", "Provider (aws, hetzner, kube, local)")
	setupCmd.Flags().StringP("type", "t", "", "Instance size class")
	setupCmd.Flags().String("region", "", "Provider region")
	setupCmd.Flags().String("messaging-token", "", "Messaging channel token for the gateway")
	setupCmd.Flags().String("messaging-user", "", "Messaging user allowed to reach the gateway")
	setupCmd.Flags().String("ssh-key", "", "Path to an SSH private key for the instance")
	setupCmd.Flags().BoolP("follow", "f", false, "Watch progress until the host is ready")

	statusCmd.Flags().BoolP("follow", "f", false, "Watch progress until a terminal state")

	instancesCreateCmd.Flags().StringP("provider", "p", "", "Provider (aws, hetzner, kube, local)")
	instancesCreateCmd.Flags().StringP("type", "t", "", "Instance size class")
	instancesCreateCmd.Flags().String("region", "", "Provider region")
	instancesDeleteCmd.Flags().StringP("provider", "p", "", "Provider the instance belongs to")
	instancesCmd.AddCommand(instancesCreateCmd)
	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesDeleteCmd)

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(instancesCmd)
}

type setupStatus struct {
	Status            store.Status  `json:"status"`
	Provider          provider.Kind `json:"provider"`
	VMCreated         bool          `json:"vmCreated"`
	AgentInstalled    bool          `json:"agentInstalled"`
	ChannelConfigured bool          `json:"channelConfigured"`
	GatewayStarted    bool          `json:"gatewayStarted"`
	InstanceID        string        `json:"instanceId"`
	ErrorMessage      string        `json:"errorMessage"`
}

func fetchStatus() (*setupStatus, error) {
	var status setupStatus
	if err := apiRequest("GET", "/v1/setup/status", http.StatusOK, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func printStatus(s *setupStatus) {
	fmt.Printf("Status:   %s (%s)\n", s.Status, s.Provider)
	fmt.Printf("Instance: %s\n", milestone(s.VMCreated, s.InstanceID))
	fmt.Printf("Agent:    %s\n", milestone(s.AgentInstalled, "installed"))
	fmt.Printf("Gateway:  %s\n", milestone(s.GatewayStarted, "running"))
	if s.ErrorMessage != "" {
		if class, ok := strings.CutPrefix(s.ErrorMessage, "BILLING_REQUIRED:"); ok {
			fmt.Printf("\nThe %q instance class needs a payment method on your provider account.\n", class)
			fmt.Println("Add one and re-run 'clawd setup'.")
			return
		}
		fmt.Printf("Error:    %s\n", s.ErrorMessage)
	}
}

func milestone(done bool, detail string) string {
	if done {
		return "✓ " + detail
	}
	return "pending"
}

// watchStatus polls until the pipeline reaches a terminal state.
func watchStatus() error {
	for {
		status, err := fetchStatus()
		if err != nil {
			return err
		}
		fmt.Printf("\r%s: instance %s, agent %s, gateway %s   ",
			status.Status,
			boolMark(status.VMCreated), boolMark(status.AgentInstalled), boolMark(status.GatewayStarted))

		switch status.Status {
		case store.StatusReady:
			fmt.Println("\nHost is ready. Run 'clawd terminal' to attach.")
			return nil
		case store.StatusFailed, store.StatusRequiresPayment:
			fmt.Println()
			printStatus(status)
			return fmt.Errorf("setup did not complete")
		}
		time.Sleep(2 * time.Second)
	}
}

func boolMark(v bool) string {
	if v {
		return "✓"
	}
	return "·"
}

// apiURL returns the control plane base URL.
func apiURL() string {
	if u := os.Getenv("CLAWD_API_URL"); u != "" {
		return strings.TrimSuffix(u, "/")
	}
	return "http://localhost:8080"
}

// loadToken finds the bearer token: environment first, then the token
// file under the user's config dir.
func loadToken() (string, error) {
	if t := os.Getenv("CLAWD_TOKEN"); t != "" {
		return t, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(home, ".clawd", "token"))
	if err != nil {
		return "", fmt.Errorf("no token found; set CLAWD_TOKEN or write ~/.clawd/token")
	}
	return strings.TrimSpace(string(data)), nil
}

// apiRequest performs one JSON API call and decodes the response into
// out when the status matches.
func apiRequest(method, path string, wantStatus int, body, out interface{}) error {
	token, err := loadToken()
	if err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, apiURL()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var apiErr struct {
			Error        string `json:"error"`
			NeedsUpgrade bool   `json:"needsUpgrade"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.NeedsUpgrade {
			return fmt.Errorf("%s\nAdd a payment method on your provider account and retry", apiErr.Error)
		}
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s", apiErr.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
