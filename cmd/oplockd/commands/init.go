package commands

import (
	"fmt"

	"github.com/netshare/oplockd/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample oplockd configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/oplockd/config.yaml. Use --config to specify a custom
path.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	var path string
	var err error

	if configPath != "" {
		path, err = config.InitConfigToPath(configPath, initForce)
	} else {
		path, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: oplockd start")
	fmt.Printf("  3. Or specify a custom config: oplockd start --config %s\n", path)
	return nil
}
