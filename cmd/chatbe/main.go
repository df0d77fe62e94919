// Command chatbe runs the WhatsApp assistant backend: it wires the session
// tracker, conversation history, knowledge retriever, and reply pipeline to a
// messaging transport and the HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/api"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/export"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/flow"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/genai"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/history"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/knowledge"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/knowledge/pgvector"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/messaging"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/session"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/tokens"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/twiliowhatsapp"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/util"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/whatsapp"
)

// Default configuration constants.
const (
	DefaultStateDir       = "/var/lib/chatbe"
	DefaultSystemPrompt   = "You are a helpful assistant for a crafts workshop studio. Answer questions using the knowledge provided to you."
	DefaultSessionTimeout = 30 * time.Minute
	DefaultTokenLimit     = 7000
)

// Config holds environment configuration.
type Config struct {
	OpenAIKey           string
	ChatModel           string
	EmbeddingModel      string
	SystemPrompt        string
	TokenLimit          int
	SessionTimeout      time.Duration
	KnowledgeTopK       int
	KnowledgeCharBudget int
	SimilarityThreshold float64
	FactualKeywords     []string
	FallbackReply       string
	DatabaseURL         string
	Messenger           string
	WhatsAppDSN         string
	StateDir            string
	APIAddr             string
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(&config)

	if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
		slog.Error("Failed to create state directory", "stateDir", config.StateDir, "error", err)
		os.Exit(1)
	}

	if err := run(config, flags); err != nil {
		slog.Error("chatbe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("chatbe exited successfully")
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput *string
	numeric  *bool
}

func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and an
// optional .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		ChatModel:           os.Getenv("CHAT_MODEL"),
		EmbeddingModel:      os.Getenv("EMBEDDING_MODEL"),
		SystemPrompt:        os.Getenv("SYSTEM_PROMPT"),
		TokenLimit:          util.ParseIntEnv("TOKEN_LIMIT", DefaultTokenLimit),
		SessionTimeout:      util.ParseDurationEnv("SESSION_TIMEOUT", DefaultSessionTimeout),
		KnowledgeTopK:       util.ParseIntEnv("KNOWLEDGE_TOP_K", knowledge.DefaultTopK),
		KnowledgeCharBudget: util.ParseIntEnv("KNOWLEDGE_CHAR_BUDGET", knowledge.DefaultCharBudget),
		SimilarityThreshold: util.ParseFloatEnv("SIMILARITY_THRESHOLD", knowledge.DefaultSimilarityThreshold),
		FactualKeywords:     util.ParseListEnv("FACTUAL_KEYWORDS", nil),
		FallbackReply:       os.Getenv("FALLBACK_REPLY"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		Messenger:           os.Getenv("MESSENGER"),
		WhatsAppDSN:         os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:            os.Getenv("CHATBE_STATE_DIR"),
		APIAddr:             os.Getenv("API_ADDR"),
	}

	if config.ChatModel == "" {
		config.ChatModel = genai.DefaultChatModel
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = genai.DefaultEmbeddingModel
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.FallbackReply == "" {
		config.FallbackReply = "I don't have that information right now. Please contact the studio directly and we'll be happy to help."
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.Messenger == "" {
		config.Messenger = "twilio"
	}

	slog.Debug("environment configuration loaded",
		"chatModel", config.ChatModel,
		"embeddingModel", config.EmbeddingModel,
		"tokenLimit", config.TokenLimit,
		"sessionTimeout", config.SessionTimeout,
		"knowledgeTopK", config.KnowledgeTopK,
		"similarityThreshold", config.SimilarityThreshold,
		"factualKeywords", len(config.FactualKeywords),
		"databaseURLSet", config.DatabaseURL != "",
		"messenger", config.Messenger,
		"apiAddr", config.APIAddr)
	return config
}

// parseCommandLineFlags parses flags with environment defaults; flags win.
func parseCommandLineFlags(config *Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:  flag.Bool("numeric-code", false, "use a numeric login code instead of a QR code"),
	}
	apiAddr := flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	openaiKey := flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	messenger := flag.String("messenger", config.Messenger, "messaging transport: twilio or whatsmeow (overrides $MESSENGER)")
	flag.Parse()

	config.APIAddr = *apiAddr
	config.OpenAIKey = *openaiKey
	config.Messenger = *messenger
	return flags
}

func run(config Config, flags Flags) error {
	counter, err := tokens.NewTiktokenCounter(config.ChatModel)
	if err != nil {
		return err
	}

	sessions := session.NewTracker(config.SessionTimeout)
	histories := history.NewStore(config.SystemPrompt, counter, config.TokenLimit)

	client, err := genai.NewClient(
		genai.WithAPIKey(config.OpenAIKey),
		genai.WithChatModel(config.ChatModel),
		genai.WithEmbeddingModel(config.EmbeddingModel),
	)
	if err != nil {
		return err
	}

	retriever, err := buildRetriever(config, client)
	if err != nil {
		return err
	}

	pipeline, err := flow.NewReplyPipeline(histories, sessions, retriever, client, knowledge.RefNormalizer{}, flow.Config{
		FactualKeywords: config.FactualKeywords,
		FallbackReply:   config.FallbackReply,
	})
	if err != nil {
		return err
	}

	service, webhook, err := buildMessagingService(config, flags)
	if err != nil {
		return err
	}

	exporter, err := export.NewExporter(histories, config.StateDir)
	if err != nil {
		return err
	}
	defer exporter.Close()

	server, err := api.NewServer(histories, sessions,
		api.WithAddr(config.APIAddr),
		api.WithWebhookHandler(webhook),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Stop()

	loop := messaging.NewReplyLoop(service, pipeline, exporter)
	go loop.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildRetriever wires the pgvector-backed knowledge retriever. Without a
// DATABASE_URL the service runs with retrieval disabled.
func buildRetriever(config Config, embedder knowledge.Embedder) (flow.KnowledgeRetriever, error) {
	if config.DatabaseURL == "" {
		slog.Warn("No DATABASE_URL configured, knowledge retrieval disabled")
		return nil, nil
	}

	store, err := pgvector.New(pgvector.Config{DSN: config.DatabaseURL})
	if err != nil {
		return nil, err
	}
	return knowledge.NewRetriever(embedder, store, knowledge.Config{
		TopK:                config.KnowledgeTopK,
		SimilarityThreshold: config.SimilarityThreshold,
		CharBudget:          config.KnowledgeCharBudget,
	}), nil
}

// buildMessagingService constructs the configured transport. Twilio exposes
// an inbound webhook; the whatsmeow transport receives messages over its own
// connection and returns no webhook handler.
func buildMessagingService(config Config, flags Flags) (messaging.Service, http.HandlerFunc, error) {
	switch config.Messenger {
	case "whatsmeow":
		waOpts := []whatsapp.Option{}
		if config.WhatsAppDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		service := messaging.NewTwilioService(client)
		return service, service.WebhookHandler, nil
	}
}
