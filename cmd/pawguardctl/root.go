package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mstgnz/pawguard/infra/auth"
	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/store"
	"github.com/mstgnz/pawguard/infra/validate"
	"github.com/mstgnz/pawguard/provider/iyzico"
	"github.com/mstgnz/pawguard/provider/paytr"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

// Version is set at build time
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pawguardctl",
		Short:         "pawguardctl – operator tool for the PawGuard API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newVersionCmd(),
		newGenSecretCmd(),
		newHashPasswordCmd(),
		newSignPayTRCmd(),
		newSignIyzicoCmd(),
		newVerifyTokenCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pawguardctl %s\n", Version)
		},
	}
}

func newGenSecretCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "gen-secret",
		Short: "Generate a random JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if size*2 < config.MinSecretLength {
				return fmt.Errorf("--bytes must be at least %d", (config.MinSecretLength+1)/2)
			}
			secret, err := config.RandomString(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "Number of random bytes, printed hex encoded")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := validate.Get().Var(password, "required,min=8,max=72,strong_password"); err != nil {
				return errors.New("password needs 8-72 characters with upper and lower case letters, a digit and a symbol")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func newSignPayTRCmd() *cobra.Command {
	var oid, status, amount string
	cmd := &cobra.Command{
		Use:   "sign-paytr",
		Short: "Compute the hash of a PayTR notification",
		Long:  "Compute the hash of a PayTR notification. Credentials are read from PAYTR_MERCHANT_KEY and PAYTR_MERCHANT_SALT.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, salt := os.Getenv("PAYTR_MERCHANT_KEY"), os.Getenv("PAYTR_MERCHANT_SALT")
			if key == "" || salt == "" {
				return errors.New("PAYTR_MERCHANT_KEY and PAYTR_MERCHANT_SALT must be set")
			}
			fmt.Fprintln(cmd.OutOrStdout(), paytr.CallbackHash(key, salt, oid, status, amount))
			return nil
		},
	}
	cmd.Flags().StringVar(&oid, "oid", "", "merchant_oid of the order")
	cmd.Flags().StringVar(&status, "status", "success", "notification status")
	cmd.Flags().StringVar(&amount, "amount", "", "total_amount in minor units")
	_ = cmd.MarkFlagRequired("oid")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newSignIyzicoCmd() *cobra.Command {
	var f struct {
		status, paymentID, currency, basketID, conversationID, paidPrice, price, token string
	}
	cmd := &cobra.Command{
		Use:   "sign-iyzico",
		Short: "Compute the signature of an İyzico checkout form result",
		Long:  "Compute the signature of an İyzico checkout form result. The secret is read from IYZICO_SECRET_KEY.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("IYZICO_SECRET_KEY")
			if secret == "" {
				return errors.New("IYZICO_SECRET_KEY must be set")
			}
			sig := iyzico.CheckoutFormSignature(secret, f.status, f.paymentID, f.currency, f.basketID, f.conversationID, f.paidPrice, f.price, f.token)
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.status, "status", "SUCCESS", "paymentStatus")
	flags.StringVar(&f.paymentID, "payment-id", "", "paymentId")
	flags.StringVar(&f.currency, "currency", "TRY", "currency")
	flags.StringVar(&f.basketID, "basket-id", "", "basketId")
	flags.StringVar(&f.conversationID, "conversation-id", "", "conversationId")
	flags.StringVar(&f.paidPrice, "paid-price", "", "paidPrice as sent by İyzico")
	flags.StringVar(&f.price, "price", "", "price as sent by İyzico")
	flags.StringVar(&f.token, "token", "", "checkout form token")
	for _, name := range []string{"payment-id", "conversation-id", "paid-price", "price", "token"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newVerifyTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-token <access-token>",
		Short: "Validate an access token against JWT_SECRET and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := auth.NewTokenService(store.NewMemory(), auth.TokenConfig{
				Secret: os.Getenv("JWT_SECRET"),
				Issuer: config.GetEnv("JWT_ISSUER", "pawguard"),
			})
			if err != nil {
				return err
			}
			claims, err := tokens.ValidateAccessToken(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(claims)
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
