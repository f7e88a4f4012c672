package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	httpsbackend "github.com/fenio/vmediad/pkg/backend/https"
)

func newMountCmd(systemBus *bool) *cobra.Command {
	var (
		rw       bool
		user     string
		password string
		skip     bool
	)

	cmd := &cobra.Command{
		Use:   "mount <slot> [image-url]",
		Short: "Mount a slot (image-url is required for Standard-mode slots)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slotName := args[0]
			imageURL := ""
			if len(args) == 2 {
				imageURL = args[1]
			}
			return runMount(cmd, *systemBus, slotName, imageURL, rw, user, password, skip)
		},
	}

	cmd.Flags().BoolVar(&rw, "rw", false, "Request a writable mount")
	cmd.Flags().StringVar(&user, "user", "", "Username for a Standard-mode HTTPS image URL")
	cmd.Flags().StringVar(&password, "password", "", "Password for a Standard-mode HTTPS image URL")
	cmd.Flags().BoolVar(&skip, "skip-probe", false, "Skip the pre-flight HTTPS reachability probe")
	return cmd
}

func runMount(cmd *cobra.Command, systemBus bool, slotName, imageURL string, rw bool, user, password string, skipProbe bool) error {
	ctx := cmd.Context()

	if imageURL != "" && !skipProbe && strings.HasPrefix(imageURL, "https://") {
		header := http.Header{}
		if user != "" {
			header = httpsbackend.BasicAuthHeader(user, password)
		}
		status, err := httpsbackend.Probe(ctx, imageURL, header)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: pre-flight probe of %s failed: %v (mounting anyway)\n", colorError.Sprint("warning"), imageURL, err)
		} else if !httpsbackend.Reachable(status) {
			fmt.Fprintf(os.Stderr, "%s: %s responded with HTTP %d (mounting anyway)\n", colorError.Sprint("warning"), imageURL, status)
		}
	}

	conn, err := connectBus(systemBus)
	if err != nil {
		return fmt.Errorf("vmediactl: connect: %w", err)
	}
	defer conn.Close()

	credsFD := -1
	if user != "" {
		fd, closeFn, fdErr := credentialPipe(user, password)
		if fdErr != nil {
			return fdErr
		}
		defer closeFn()
		credsFD = fd
	}

	accepted, err := callMount(ctx, conn, slotName, imageURL, rw, credsFD)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("vmediactl: %s rejected Mount", slotName)
	}
	fmt.Println(colorSuccess.Sprintf("mount accepted for %s", slotName))
	return nil
}

// credentialPipe writes "user\x00password\x00" into one end of an os.Pipe
// and returns the read end's fd for the Mount call's creds_fd argument,
// matching pkg/slot's parseCredentialPipe wire format.
func credentialPipe(user, password string) (int, func(), error) {
	r, w, err := os.Pipe()
	if err != nil {
		return -1, nil, fmt.Errorf("vmediactl: open credential pipe: %w", err)
	}
	if _, err := w.Write([]byte(user + "\x00" + password + "\x00")); err != nil {
		_ = r.Close()
		_ = w.Close()
		return -1, nil, fmt.Errorf("vmediactl: write credential pipe: %w", err)
	}
	_ = w.Close()
	return int(r.Fd()), func() { _ = r.Close() }, nil
}
