package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"panoptes-go/internal/app"
	"panoptes-go/internal/encryption"
	"panoptes-go/internal/panoptes"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassphrase prompts on the terminal without echo, or reads one line
// from stdin when it is not a terminal.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func passphraseFlag(cmd *cobra.Command) (string, error) {
	use, _ := cmd.Flags().GetBool("passphrase")
	if !use {
		return "", nil
	}
	pass, err := readPassphrase("Passphrase: ")
	if err != nil {
		return "", err
	}
	if pass == "" {
		return "", panoptes.E(panoptes.KindConfig, "passphrase", errors.New("empty passphrase"))
	}
	return pass, nil
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the metadata store",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store location, schema version and counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "db-status", app.Options{}, func(ctx context.Context, a *app.App) error {
			st, err := a.DBStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup OUT",
	Short: "Write a consistent snapshot of the store, optionally age-encrypted",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipients, _ := cmd.Flags().GetStringSlice("recipient")
		pass, err := passphraseFlag(cmd)
		if err != nil {
			return err
		}

		var enc *encryption.Encryptor
		if len(recipients) > 0 || pass != "" {
			enc, err = encryption.NewEncryptor(recipients, pass)
			if err != nil {
				return err
			}
		}

		return withApp(cmd, "db-backup", app.Options{}, func(ctx context.Context, a *app.App) error {
			if err := a.BackupDB(ctx, args[0], enc); err != nil {
				return err
			}
			fmt.Printf("Snapshot written to %s\n", args[0])
			return nil
		})
	},
}

var dbDecryptCmd = &cobra.Command{
	Use:   "decrypt IN OUT",
	Short: "Decrypt an encrypted snapshot",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, _ := cmd.Flags().GetString("identity")
		pass, err := passphraseFlag(cmd)
		if err != nil {
			return err
		}

		dec, err := encryption.NewDecryptor(identity, pass)
		if err != nil {
			return err
		}
		if err := dec.DecryptFile(args[0], args[1]); err != nil {
			return panoptes.PathError(panoptes.KindOf(err), "decrypt snapshot", args[0], err)
		}
		fmt.Printf("Decrypted %s to %s\n", args[0], args[1])
		return nil
	},
}

var dbKeygenCmd = &cobra.Command{
	Use:   "keygen PATH",
	Short: "Generate an age identity for snapshot encryption",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipient, err := encryption.GenerateIdentity(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Identity written to %s\n", args[0])
		fmt.Printf("Recipient: %s\n", recipient)
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbBackupCmd)
	dbBackupCmd.Flags().StringSlice("recipient", nil, "age recipient public key (repeatable)")
	dbBackupCmd.Flags().Bool("passphrase", false, "Encrypt with a passphrase read from the terminal")
	dbCmd.AddCommand(dbDecryptCmd)
	dbDecryptCmd.Flags().String("identity", "", "age identity file")
	dbDecryptCmd.Flags().Bool("passphrase", false, "Decrypt with a passphrase read from the terminal")
	dbCmd.AddCommand(dbKeygenCmd)
}
