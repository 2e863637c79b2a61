package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"minbar/config"
	"minbar/db"
	"minbar/etc"
	"minbar/gateway"
	"minbar/session"
	"minbar/stt"
	"minbar/translate"
	"minbar/www"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listSessionsCmd)
	rootCmd.AddCommand(configCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port for the HTTP and websocket server")
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))

	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("deepgram-api-key", "", "Deepgram API key")
	rootCmd.PersistentFlags().String("speechmatics-api-key", "", "Speechmatics API key")
	rootCmd.PersistentFlags().String("deepl-api-key", "", "DeepL API key")

	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("deepgram_api_key", rootCmd.PersistentFlags().Lookup("deepgram-api-key"))
	viper.BindPFlag("speechmatics_api_key", rootCmd.PersistentFlags().Lookup("speechmatics-api-key"))
	viper.BindPFlag("deepl_api_key", rootCmd.PersistentFlags().Lookup("deepl-api-key"))

	viper.SetDefault("grace_period", "30s")
	viper.SetDefault("session_retention", "1m")
	viper.SetDefault("outbox_workers", 2)
	viper.SetDefault("preferred_provider", "deepgram")
	viper.SetDefault("context_type", "general")
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "minbar",
	Short: "Minbar relays live broadcasts with transcription and translation",
	Long:  `Minbar runs live broadcast sessions: a broadcaster streams audio over a websocket, speech recognition turns it into transcripts, and every transcript fans out as translations to the listeners' languages.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broadcast server",
	Run:   runServe,
}

var listSessionsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List archived sessions in a table",
	Run:   runListSessions,
}

var configCmd = &cobra.Command{
	Use:   "config <key> [value]",
	Short: "Get or set a config value in the database",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runConfig,
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, gateLogger, hearLogger, xlatLogger, dataLogger := createLoggers()
	ctx := context.Background()
	clock := etc.SystemClock{}

	pool, err := db.OpenDatabase(ctx)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer pool.Close()

	store := db.NewStore(pool, dataLogger)
	if err := config.New(store).Load(ctx); err != nil {
		mainLogger.Warn("load database config", "error", err.Error())
	}

	outbox := db.NewOutbox(store, dataLogger)
	outbox.Start(viper.GetInt("outbox_workers"))
	defer outbox.Close()

	var providers []stt.Provider
	if key := viper.GetString("deepgram_api_key"); key != "" {
		providers = append(providers, stt.NewDeepgram(key, hearLogger))
	}
	if key := viper.GetString("speechmatics_api_key"); key != "" {
		providers = append(providers, stt.NewSpeechmatics(key, hearLogger))
	}
	if len(providers) == 0 {
		mainLogger.Warn("no speech provider keys configured, voice recognition is unavailable")
	}

	var translator translate.Translator
	if key := viper.GetString("deepl_api_key"); key != "" {
		cache := translate.NewCache(viper.GetDuration("cache_ttl"), clock)
		translator = translate.NewCachedTranslator(cache, translate.NewDeepL(key, xlatLogger), xlatLogger)
	} else {
		mainLogger.Fatal("missing DEEPL_API_KEY or --deepl-api-key=")
	}

	var verifier gateway.Verifier
	if url := viper.GetString("verify_url"); url != "" {
		verifier = gateway.NewHTTPVerifier(url)
	} else {
		verifier = gateway.TokenVerifier{Secret: viper.GetString("auth_secret")}
	}

	registry := session.NewRegistry(mainLogger, clock,
		viper.GetDuration("grace_period"), viper.GetDuration("session_retention"))
	sequencer := translate.NewSequencer(translator, outbox, xlatLogger, clock)

	gw := gateway.New(gateway.Config{
		Registry:          registry,
		Sequencer:         sequencer,
		Verifier:          verifier,
		Archiver:          outbox,
		Providers:         providers,
		PreferredProvider: viper.GetString("preferred_provider"),
		ContextType:       viper.GetString("context_type"),
		Clock:             clock,
		Logger:            gateLogger,
	})
	registry.SetNotifier(gw)
	sequencer.SetBroadcaster(gw)

	api := www.NewAPI(store, registry, gw, mainLogger)
	go func() {
		if err := api.Serve(viper.GetInt("port")); err != nil {
			mainLogger.Fatal("http server", "error", err.Error())
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc
	mainLogger.Info("shutting down")
}

func runListSessions(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, dataLogger := createLoggers()

	ctx := context.Background()
	pool, err := db.OpenDatabase(ctx)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer pool.Close()

	store := db.NewStore(pool, dataLogger)
	sessions, err := store.ListSessions(ctx, db.SessionFilter{})
	if err != nil {
		mainLogger.Fatal("fetch sessions", "error", err.Error())
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Owner", "Status", "Languages", "Created At", "Ended", "Reason"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, s := range sessions {
		ended := ""
		if s.EndedAt != nil {
			ended = s.EndedAt.Format("2006-01-02 15:04:05")
		}
		table.Append([]string{
			s.ID,
			s.OwnerID,
			s.Status,
			fmt.Sprintf("%s -> %s", s.SourceLanguage, strings.Join(s.TargetLanguages, ",")),
			s.CreatedAt.Format("2006-01-02 15:04:05"),
			ended,
			s.EndReason,
		})
	}

	table.Render()
}

func runConfig(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, dataLogger := createLoggers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.OpenDatabase(ctx)
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer pool.Close()

	cfg := config.New(db.NewStore(pool, dataLogger))
	if len(args) == 1 {
		value, err := cfg.Get(ctx, args[0])
		if err != nil {
			mainLogger.Fatal("get config", "error", err.Error())
		}
		fmt.Println(value)
		return
	}

	if err := cfg.Set(ctx, args[0], args[1]); err != nil {
		mainLogger.Fatal("set config", "error", err.Error())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func createLoggers() (mainLogger, gateLogger, hearLogger, xlatLogger, dataLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	gateLogger = logger.With().WithPrefix("gate")
	hearLogger = logger.With().WithPrefix("hear")
	xlatLogger = logger.With().WithPrefix("xlat")
	dataLogger = logger.With().WithPrefix("data")

	return
}
