package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/guildkit/guildkit"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "GUILDKIT"

var (
	cfg       = guildkit.DefaultKitConfig(defaultConfigRoot())
	envFile   string
	botConfig = botOptions{}
)

// botOptions holds settings for the bot process itself, outside the
// library config.
type botOptions struct {
	DiscordToken string `mapstructure:"discord_token"`
}

var rootCmd = &cobra.Command{
	Use: "guildkit [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		decodeHook := viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				levelHookFunc(),
			),
		)
		if err := viper.Unmarshal(&cfg, decodeHook); err != nil {
			log.Fatalln(err)
		}
		if err := viper.Unmarshal(&botConfig, decodeHook); err != nil {
			log.Fatalln(err)
		}
	},
}

func defaultConfigRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".guildkit"
	}
	return home + string(os.PathSeparator) + ".guildkit"
}

// levelHookFunc decodes log level names ("DEBUG", "INFO", ...) into
// slog.Level values.
func levelHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(slog.Level(0)) {
			return data, nil
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return level, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if envFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", envFile)
		if err := godotenv.Load(envFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("config_root", cfg.ConfigRoot)
	viper.SetDefault("job_database", cfg.JobDatabase)
	viper.SetDefault("log_level", cfg.LogLevel.String())
	viper.SetDefault("ack_emoji", guildkit.DefaultAckEmoji)
	viper.SetDefault("watch_config_dir", false)
	viper.SetDefault("cron_interval", guildkit.DefaultCronInterval)

	viper.SetDefault("queue.size", guildkit.DefaultQueueSize)
	viper.SetDefault(
		"queue.start_interval",
		guildkit.DefaultJobStartInterval,
	)

	viper.SetDefault("discord_token", "")

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}
	fatalErr(viper.BindEnv("api.listen"))
	fatalErr(viper.BindEnv("api.token"))

	viper.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//goland:noinspection GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"Env file to load before reading config",
	)
}
