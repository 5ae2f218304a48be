package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/spf13/cobra"
)

func newKeygenCommand() *cobra.Command {
	var (
		comment   string
		protect   bool
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate an Ed25519 identity key",
		Long: `keygen writes an OpenSSH ed25519 private key to <path> (mode 0600) and the
matching ssh-ed25519 line to <path>.pub.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			}

			var passphrase []byte
			if protect {
				first, err := readSecret("Enter new passphrase: ")
				if err != nil {
					return err
				}
				second, err := readSecret("Enter same passphrase again: ")
				if err != nil {
					return err
				}
				defer crypto.ZeroBytes(first)
				defer crypto.ZeroBytes(second)
				if !bytes.Equal(first, second) {
					return errors.New("passphrases do not match")
				}
				passphrase = first
			}

			id, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}
			defer id.Wipe()
			if comment == "" {
				comment = filepath.Base(path)
			}
			if err := crypto.WriteIdentityFile(path, id, comment, passphrase); err != nil {
				return err
			}

			pub := id.PublicKey()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Your identification has been saved in %s\n", path)
			fmt.Fprintf(out, "Your public key has been saved in %s.pub\n", path)
			fmt.Fprintf(out, "The key fingerprint is:\n%s %s\n", crypto.FormatFingerprint(pub[:]), comment)
			return nil
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "C", "", "key comment (defaults to the file name)")
	cmd.Flags().BoolVarP(&protect, "passphrase", "p", false, "prompt for a passphrase to encrypt the key")
	cmd.Flags().BoolVar(&overwrite, "force", false, "replace an existing key file")
	return cmd
}

func newFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <identity-file | public-key>",
		Short: "Print the fingerprint and authorized_keys line of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				pub     [crypto.IdentityKeySize]byte
				comment string
			)
			if _, err := os.Stat(args[0]); err == nil {
				id, err := crypto.LoadIdentityFile(args[0], passphrasePrompt)
				if err != nil {
					return err
				}
				pub, comment = id.PublicKey(), id.Comment
				id.Wipe()
			} else {
				pub, err = crypto.ParsePublicKey(args[0])
				if err != nil {
					return err
				}
			}

			line, err := crypto.AuthorizedKeyLine(pub, comment)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, crypto.FormatFingerprint(pub[:]))
			fmt.Fprintln(out, line)
			return nil
		},
	}
}
