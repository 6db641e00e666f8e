package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	gojwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/app"
	iauth "github.com/charlesng35/threadsync/internal/auth"
	"github.com/charlesng35/threadsync/internal/channel"
	"github.com/charlesng35/threadsync/internal/collab"
	"github.com/charlesng35/threadsync/internal/protocol"
	"github.com/charlesng35/threadsync/pkg/logger"
)

const lockWait = 10 * time.Second

// token mints a development access token.
func token(out io.Writer, opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	user, _ := opts.String("--user")
	name, _ := opts.String("--name")
	issuer, _ := opts.String("--issuer")
	ttlStr, _ := opts.String("--ttl")
	threads, _ := opts["--thread"].([]string)

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("parse --ttl: %w", err)
	}

	svc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: secret, Issuer: issuer, AccessTokenTTL: ttl})
	if err != nil {
		return err
	}
	signed, err := svc.GenerateAccessToken(iauth.AccessTokenInput{UserID: user, Name: name, Threads: threads})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, signed)
	return err
}

// watch joins a thread and logs every event and tracker change until interrupted.
func watch(ctx context.Context, opts docopt.Opts) error {
	client, err := connect(opts)
	if err != nil {
		return err
	}
	defer client.close()

	log := client.log
	client.mgr.Subscribe(func(in channel.Inbound) error {
		log.Info("event",
			zap.String("event", string(in.Frame.Event)),
			zap.String("from", in.Frame.User),
			zap.ByteString("data", in.Frame.Data))
		return nil
	})

	lastLock := client.session.Lock.State()
	for {
		changed := client.session.Lock.Changed()
		if state := client.session.Lock.State(); state != lastLock {
			log.Info("lock state", zap.String("status", string(state.Status)), zap.String("holder", state.Holder))
			lastLock = state
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// lock requests the edit lock, optionally pushes content, then releases it.
func lock(ctx context.Context, opts docopt.Opts) error {
	client, err := connect(opts)
	if err != nil {
		return err
	}
	defer client.close()

	content, _ := opts.String("--content")
	holdStr, _ := opts.String("--hold")
	hold, err := time.ParseDuration(holdStr)
	if err != nil {
		return fmt.Errorf("parse --hold: %w", err)
	}

	coord := client.session.Lock
	waitCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()

	if err := collab.WaitFor(waitCtx, coord, func() bool { return coord.State().Status != collab.LockUnknown }); err != nil {
		return fmt.Errorf("wait for lock state: %w", err)
	}
	if err := coord.RequestLock(); err != nil {
		return err
	}
	if err := collab.WaitFor(waitCtx, coord, func() bool { return coord.State().Status != collab.LockUnlocked }); err != nil {
		return fmt.Errorf("wait for lock decision: %w", err)
	}

	state := coord.State()
	if state.Status != collab.LockHeldBySelf {
		return fmt.Errorf("lock is held by %s", state.Holder)
	}
	client.log.Info("lock acquired")

	if content != "" {
		if err := coord.UpdateContent(content); err != nil {
			return err
		}
		client.log.Info("content pushed", zap.Int("bytes", len(content)))
	}

	if hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
	}

	if err := coord.ReleaseLock(); err != nil {
		return err
	}
	releaseCtx, cancelRelease := context.WithTimeout(context.Background(), lockWait)
	defer cancelRelease()
	if err := collab.WaitFor(releaseCtx, coord, func() bool { return !coord.IsEditing() }); err != nil {
		return fmt.Errorf("wait for release: %w", err)
	}
	client.log.Info("lock released")
	return nil
}

type client struct {
	mgr     *channel.Manager
	session *collab.ThreadSession
	log     *zap.Logger
}

func (c *client) close() {
	_ = c.session.Close()
	_ = c.mgr.Close()
	_ = logger.Sync()
}

// connect opens a manager and a thread session from config plus flags.
func connect(opts docopt.Opts) (*client, error) {
	debug, _ := opts.Bool("--debug")
	level := "info"
	if debug {
		level = "debug"
	}
	if err := app.ConfigureLogging(level, true); err != nil {
		return nil, err
	}

	var paths []string
	if dir, _ := opts.String("--config"); dir != "" {
		paths = append(paths, dir)
	}
	cfg, err := app.LoadConfig(paths...)
	if err != nil {
		return nil, err
	}

	tokenStr, _ := opts.String("--token")
	thread, _ := opts.String("<thread_id>")
	user, name, err := tokenSubject(tokenStr)
	if err != nil {
		return nil, err
	}

	options := cfg.Client.ClientOptions(tokenStr)
	if url, _ := opts.String("--url"); url != "" {
		options.URL = url
	}

	log := logger.WithThread("threadctl", thread)
	options.OnError = func(err error) {
		log.Warn("channel error", zap.Error(err))
	}

	mgr := channel.NewManager(options)
	mgr.OnSignal(func(sig channel.Signal) {
		log.Info("signal", zap.String("kind", string(sig.Kind)), zap.Int("attempt", sig.Attempt), zap.Error(sig.Err))
	})

	session, err := collab.OpenSession(mgr, collab.SessionConfig{
		ThreadID:   thread,
		UserID:     user,
		Name:       name,
		TypingIdle: cfg.Client.TypingIdle,
		OnUpdate: func(u protocol.Update) error {
			log.Info("content updated", zap.String("by", u.UserID), zap.Int64("revision", u.Revision))
			return nil
		},
		OnActivity: func(a protocol.Activity) error {
			log.Info("activity", zap.String("type", a.Type), zap.String("by", a.UserID), zap.String("summary", a.Summary))
			return nil
		},
	})
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}

	if err := mgr.Open(); err != nil {
		_ = session.Close()
		_ = mgr.Close()
		return nil, err
	}
	return &client{mgr: mgr, session: session, log: log}, nil
}

// tokenSubject reads the identity from a token without verifying it; the server verifies.
func tokenSubject(tokenStr string) (string, string, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return "", "", errors.New("token is required")
	}

	claims := &iauth.Claims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return "", "", fmt.Errorf("parse token: %w", err)
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return "", "", errors.New("token has no user id")
	}

	name := claims.Name
	if name == "" {
		name = claims.UserID
	}
	return claims.UserID, name, nil
}
