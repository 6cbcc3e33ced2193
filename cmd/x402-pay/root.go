package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	x402 "github.com/vitwit/x402-gateway"
	"github.com/vitwit/x402-gateway/envelope"
	"github.com/vitwit/x402-gateway/payer"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

const keyEnv = "X402_PAYER_KEY"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "x402-pay",
		Short:         "Call x402 priced endpoints and pay in USDC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("key", "", "payer private key in hex (default $"+keyEnv+")")

	root.AddCommand(newRequestCmd())
	root.AddCommand(newSignCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newRequestCmd() *cobra.Command {
	var (
		method   string
		data     string
		headers  []string
		maxPrice string
		network  string
		validFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request URL",
		Short: "Send a request, paying the 402 challenge if one comes back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey(cmd)
			if err != nil {
				return err
			}
			body, err := readData(data)
			if err != nil {
				return err
			}
			var only types.Network
			if network != "" {
				n, ok := types.ParseNetwork(network)
				if !ok {
					return fmt.Errorf("unknown network %q, want one of %v", network, types.SupportedNetworks())
				}
				only = n
			}

			req, err := http.NewRequestWithContext(cmd.Context(), strings.ToUpper(method), args[0], body)
			if err != nil {
				return err
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, want Name: value", h)
				}
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}

			out := cmd.OutOrStdout()
			client := &http.Client{Transport: &payer.Transport{
				Key:      key,
				Network:  only,
				MaxPrice: maxPrice,
				ValidFor: validFor,
				OnPayment: func(r types.PaymentRequirement) {
					fmt.Fprintf(cmd.ErrOrStderr(), "paying %s USDC on %s to %s\n", r.Price, r.Network, r.PayTo)
				},
			}}

			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", resp.Status)
			if s, ok := payer.Settlement(resp); ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "settled in %s", s.TransactionHash)
				if s.ExplorerURL != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), " (%s)", s.ExplorerURL)
				}
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if _, err := io.Copy(out, resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("request failed with status %d", resp.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodPost, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body, or @file to read it from a file")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header, Name: value")
	cmd.Flags().StringVar(&maxPrice, "max-price", "", "refuse to pay more than this many USDC")
	cmd.Flags().StringVar(&network, "network", "", "only pay on this network (celo or celo-sepolia)")
	cmd.Flags().DurationVar(&validFor, "valid-for", payer.DefaultValidFor, "lifetime of the signed authorization")
	return cmd
}

func newSignCmd() *cobra.Command {
	var (
		requirementFile string
		validFor        time.Duration
		raw             bool
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a payment requirement and print the X-Payment header value",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadKey(cmd)
			if err != nil {
				return err
			}
			b, err := os.ReadFile(requirementFile)
			if err != nil {
				return err
			}
			var req types.PaymentRequirement
			if err := json.Unmarshal(b, &req); err != nil {
				return fmt.Errorf("failed to parse requirement: %w", err)
			}

			env, err := utils.BuildEnvelope(key, &req, time.Now(), validFor)
			if err != nil {
				return err
			}
			var header string
			if raw {
				header, err = envelope.Encode(env)
			} else {
				header, err = envelope.EncodeBase64(env)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), header)
			return nil
		},
	}

	cmd.Flags().StringVarP(&requirementFile, "requirement", "r", "", "JSON file holding one entry of a challenge's accepts list")
	cmd.Flags().DurationVar(&validFor, "valid-for", payer.DefaultValidFor, "lifetime of the signed authorization")
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw JSON instead of base64")
	_ = cmd.MarkFlagRequired("requirement")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "x402-pay %s (x402 protocol v%d)\n", x402.Version, x402.ProtocolVersion)
			return nil
		},
	}
}

func loadKey(cmd *cobra.Command) (*ecdsa.PrivateKey, error) {
	hexKey, _ := cmd.Flags().GetString("key")
	if hexKey == "" {
		hexKey = os.Getenv(keyEnv)
	}
	if hexKey == "" {
		return nil, fmt.Errorf("no payer key: pass --key or set %s", keyEnv)
	}
	return utils.PrivateKeyFromHex(hexKey)
}

func readData(data string) (io.Reader, error) {
	switch {
	case data == "":
		return nil, nil
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(data, "@"))
		if err != nil {
			return nil, err
		}
		return strings.NewReader(string(b)), nil
	default:
		return strings.NewReader(data), nil
	}
}
