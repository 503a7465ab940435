// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

const codeAuthenticationRequired = "AUTHENTICATION_REQUIRED"

// cli はコマンド間で共有する設定とHTTPクライアント。
type cli struct {
	apiURL     string
	output     string
	timeout    time.Duration
	httpClient *http.Client
	out        io.Writer
}

// apiError はAPIのエラーレスポンス。
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("server returned status %d", e.Status)
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	rootCmd := &cobra.Command{
		Use:           "credctl",
		Short:         "Device Credential Service CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.apiURL == "" {
				c.apiURL = os.Getenv("CREDCTL_API_URL")
			}
			c.apiURL = strings.TrimRight(c.apiURL, "/")
			if c.output != "text" && c.output != "json" {
				return fmt.Errorf("--output must be text or json")
			}
			c.httpClient = &http.Client{Timeout: c.timeout}
			return nil
		},
	}
	rootCmd.SetOut(out)

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&c.apiURL, "api-url", "", "API endpoint URL (or set CREDCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&c.output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(c.secureCmd())
	rootCmd.AddCommand(c.makeSecureCmd())
	rootCmd.AddCommand(c.authenticateCmd())
	rootCmd.AddCommand(c.initCmd())
	rootCmd.AddCommand(c.describeCmd())
	rootCmd.AddCommand(c.deleteCmd())
	rootCmd.AddCommand(c.storePinCmd())
	rootCmd.AddCommand(c.retrievePinCmd())
	rootCmd.AddCommand(c.simulateCmd())
	rootCmd.AddCommand(newMigrateCmd(out))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "credctl version %s\n", version)
		},
	}
}

// call はAPIを呼び出し、wantStatus 以外のステータスを apiError として返す。
func (c *cli) call(method, path string, reqBody any, wantStatus int) ([]byte, error) {
	if c.apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set CREDCTL_API_URL)")
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// print は --output に応じてレスポンスを出力する。text の場合は format に結果を渡す。
func (c *cli) print(body []byte, format func(map[string]any) string) error {
	if c.output == "json" {
		fmt.Fprintln(c.out, strings.TrimSpace(string(body)))
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Fprintln(c.out, format(result))
	return nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	errResp := &apiError{Status: statusCode}
	if err := json.Unmarshal(body, errResp); err != nil {
		return &apiError{Status: statusCode}
	}
	return errResp
}
