package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func keyPath(keyName string) string {
	return "/v1/keys/" + url.PathEscape(keyName)
}

// secureCmd は端末のロック設定状態を表示する。
func (c *cli) secureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secure",
		Short: "Show whether the device has a secure lock screen",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.call(http.MethodGet, "/v1/device/secure", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return c.print(body, func(r map[string]any) string {
				if r["secure"] == true {
					return "Device is secure"
				}
				return "Device is not secure"
			})
		},
	}
}

// makeSecureCmd はロック設定のプロンプトを表示させる。
func (c *cli) makeSecureCmd() *cobra.Command {
	var message, actionLabel string
	cmd := &cobra.Command{
		Use:   "make-secure",
		Short: "Prompt the user to set up a device lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqBody := map[string]string{"message": message, "action_label": actionLabel}
			body, err := c.call(http.MethodPost, "/v1/device/secure", reqBody, http.StatusOK)
			if err != nil {
				return err
			}
			return c.print(body, func(r map[string]any) string {
				if r["secured"] == true {
					return "Device is secure"
				}
				return "Device setup was dismissed"
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "Set up a screen lock to protect your PIN", "Prompt message")
	cmd.Flags().StringVar(&actionLabel, "action-label", "Open settings", "Prompt action label")
	return cmd
}

// authenticateCmd は認証情報の確認を求める。
func (c *cli) authenticateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authenticate",
		Short: "Ask the user to confirm device credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.call(http.MethodPost, "/v1/device/authenticate", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return c.print(body, func(r map[string]any) string {
				if r["authenticated"] == true {
					return "Authenticated"
				}
				return "Authentication declined"
			})
		},
	}
}

// initCmd はキーストア鍵を初期化する。
func (c *cli) initCmd() *cobra.Command {
	var keyName string
	var timeoutSecs int
	var invalidate bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a keystore key",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqBody := map[string]any{
				"reauth_timeout_secs":                    timeoutSecs,
				"invalidate_on_new_biometric_enrollment": invalidate,
			}
			body, err := c.call(http.MethodPut, keyPath(keyName), reqBody, http.StatusOK)
			if err != nil {
				return err
			}
			return c.print(body, func(map[string]any) string {
				return fmt.Sprintf("Initialized key %q (reauth timeout: %ds)", keyName, timeoutSecs)
			})
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "Key name (required)")
	cmd.Flags().IntVar(&timeoutSecs, "reauth-timeout", 30, "Seconds a successful authentication stays valid")
	cmd.Flags().BoolVar(&invalidate, "invalidate-on-enrollment", false, "Invalidate the key when a new biometric is enrolled")
	cmd.MarkFlagRequired("key")
	return cmd
}

// describeCmd は鍵のメタデータを表示する。
func (c *cli) describeCmd() *cobra.Command {
	var keyName string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Show keystore key metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.call(http.MethodGet, keyPath(keyName), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return c.print(body, func(r map[string]any) string {
				return fmt.Sprintf("Key %q: status=%v reauth_timeout=%.0fs invalidate_on_enrollment=%v has_pin=%v",
					keyName, r["status"], r["reauth_timeout_secs"], r["invalidate_on_new_biometric_enrollment"], r["has_pin"])
			})
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "Key name (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

// deleteCmd は鍵と保存済みPINを削除する。
func (c *cli) deleteCmd() *cobra.Command {
	var keyName string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a keystore key and its stored PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.call(http.MethodDelete, keyPath(keyName), nil, http.StatusAccepted); err != nil {
				return err
			}
			if c.output == "json" {
				fmt.Fprintf(c.out, "{\"key_name\":%q,\"deleted\":true}\n", keyName)
			} else {
				fmt.Fprintf(c.out, "Deleted key %q\n", keyName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "Key name (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}

// storePinCmd はPINを保存する。
func (c *cli) storePinCmd() *cobra.Command {
	var keyName, pin string
	cmd := &cobra.Command{
		Use:   "store-pin",
		Short: "Seal and store a PIN under a keystore key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.call(http.MethodPut, keyPath(keyName)+"/pin", map[string]string{"pin": pin}, http.StatusOK)
			if err != nil {
				return err
			}
			return c.print(body, func(map[string]any) string {
				return fmt.Sprintf("Stored PIN under key %q", keyName)
			})
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "Key name (required)")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN value (required)")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("pin")
	return cmd
}

// retrievePinCmd はPINを取得する。--retry-auth 指定時は再認証して1回だけ再試行する。
func (c *cli) retrievePinCmd() *cobra.Command {
	var keyName string
	var retryAuth bool
	cmd := &cobra.Command{
		Use:   "retrieve-pin",
		Short: "Unseal and print a stored PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.call(http.MethodGet, keyPath(keyName)+"/pin", nil, http.StatusOK)
			var apiErr *apiError
			if err != nil && retryAuth && errors.As(err, &apiErr) && apiErr.Code == codeAuthenticationRequired {
				if _, authErr := c.call(http.MethodPost, "/v1/device/authenticate", nil, http.StatusOK); authErr != nil {
					return authErr
				}
				body, err = c.call(http.MethodGet, keyPath(keyName)+"/pin", nil, http.StatusOK)
			}
			if err != nil {
				return err
			}
			return c.print(body, func(r map[string]any) string {
				return fmt.Sprint(r["pin"])
			})
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "Key name (required)")
	cmd.Flags().BoolVar(&retryAuth, "retry-auth", false, "Authenticate and retry once when authentication is required")
	cmd.MarkFlagRequired("key")
	return cmd
}
