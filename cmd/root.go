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

	"github.com/ClusterBees/beebot/beebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = beebot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "beebot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar
// fields during viper unmarshaling.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", beebot.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		beebot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		beebot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", beebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", beebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", beebot.DefaultShutdownTimeout)
	viper.SetDefault("interaction_timeout", beebot.DefaultInteractionTimeout)

	// Redis config
	viper.SetDefault("redis.addr", beebot.DefaultRedisAddr)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.log_level", beebot.DefaultStoreLogLevel.String())

	// Reminder config
	viper.SetDefault("reminders.horizon", beebot.DefaultReminderHorizon)
	viper.SetDefault(
		"reminders.max_payload_length",
		beebot.DefaultReminderMaxPayload,
	)

	// OpenAI config
	viper.SetDefault("openai.log_level", beebot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", beebot.DefaultOpenAIModel)
	viper.SetDefault(
		"openai.max_requests_per_second",
		beebot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.request_timeout", beebot.DefaultOpenAIRequestTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		beebot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		beebot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		beebot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", beebot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", beebot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", beebot.DefaultDiscordErrorMessage)

	// API config
	viper.SetDefault("api.listen", beebot.DefaultAPIListen)
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", beebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", beebot.DefaultReadTimeout)
	viper.SetDefault("api.write_timeout", beebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", beebot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		beebot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		beebot.DefaultCORSAllowMethods,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", beebot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(beebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = beebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"redis.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
	} {
		if !viper.IsSet(key) {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
