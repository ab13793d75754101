package app

import (
	"strconv"

	"github.com/3scale/ovpn-access-manager/pkg/verify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// verifyCmd is run by OpenVPN's tls-verify for every certificate of the
// peer chain. A non zero exit code rejects the handshake.
var verifyCmd = &cobra.Command{
	Use:     "verify <depth> <subject>",
	Short:   "tls-verify hook rejecting suspended clients",
	Example: `tls-verify "/usr/local/bin/ovpn-access-manager verify"`,
	Args:    cobra.ExactArgs(2),
	RunE:    runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	if configErr != nil {
		return configErr
	}

	depth, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Errorf("invalid certificate depth %q", args[0])
	}

	hook := &verify.Hook{BlocklistPath: blocklistPath()}
	decision, err := hook.Verify(depth, args[1])
	if decision != verify.Accept {
		if err == nil {
			err = errors.New("suspended")
		}
		return errors.Wrap(err, "handshake rejected")
	}
	return nil
}
