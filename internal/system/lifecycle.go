package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/superdarn/timingd/internal/api/grpcsvc"
	"github.com/superdarn/timingd/internal/api/rest"
	"github.com/superdarn/timingd/internal/api/websocket"
	"github.com/superdarn/timingd/internal/auth"
	"github.com/superdarn/timingd/internal/card"
	"github.com/superdarn/timingd/internal/config"
	"github.com/superdarn/timingd/internal/devices"
	"github.com/superdarn/timingd/internal/interfaces"
	"github.com/superdarn/timingd/internal/pci"
	"github.com/superdarn/timingd/internal/storage"
	"github.com/superdarn/timingd/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// LifecycleManager attaches the card and runs the API servers around it.
type LifecycleManager struct {
	config        *config.Config
	storage       *storage.PostgresClient
	deviceManager *devices.Manager
	authService   *auth.AuthService
	wsHub         *websocket.Hub
	streamer      *grpcsvc.EventStreamer
	logger        *zap.Logger

	restServer *rest.Server
	grpcServer *grpc.Server

	// newBus builds the bus collaborator; replaced in tests
	newBus func(profile *types.CardProfileDefinition) (pci.Bus, error)

	attachment uuid.UUID

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error
	startedAt    time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLifecycleManager wires the daemon. store may be nil when the database is
// disabled.
func NewLifecycleManager(cfg *config.Config, store *storage.PostgresClient, logger *zap.Logger) (*LifecycleManager, error) {
	deviceManager, err := devices.NewManager(cfg.Profiles.SearchPaths, logger.Named("devices"))
	if err != nil {
		return nil, fmt.Errorf("failed to create device manager: %w", err)
	}

	var authService *auth.AuthService
	if cfg.Auth.Enabled {
		var recorder auth.EventRecorder
		if store != nil {
			recorder = store
		}
		authService, err = auth.NewAuthService(cfg.Auth, recorder, logger.Named("auth"))
		if err != nil {
			return nil, fmt.Errorf("failed to create auth service: %w", err)
		}
	} else {
		logger.Warn("Authentication disabled")
	}

	lm := &LifecycleManager{
		config:        cfg,
		storage:       store,
		deviceManager: deviceManager,
		authService:   authService,
		wsHub:         websocket.NewHub(logger.Named("ws"), authService),
		streamer:      grpcsvc.NewEventStreamer(),
		logger:        logger,
		currentState:  StateInitializing,
		done:          make(chan struct{}),
	}
	lm.newBus = lm.buildBus
	lm.restServer = rest.NewServer(cfg, lm, logger.Named("rest"), lm.wsHub, authService)

	lm.grpcServer = grpc.NewServer()
	grpcsvc.Register(lm.grpcServer, grpcsvc.NewCardEventsService(lm.streamer, deviceManager, logger.Named("grpc")))

	return lm, nil
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

func (lm *LifecycleManager) Journal() interfaces.CommandJournal {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}

// Run attaches the card, serves until ctx ends or Shutdown is called, then
// stops the servers and detaches the card.
func (lm *LifecycleManager) Run(ctx context.Context) error {
	defer close(lm.done)

	ctx, cancel := context.WithCancel(ctx)
	lm.runMu.Lock()
	lm.cancel = cancel
	lm.runMu.Unlock()
	defer cancel()

	lm.logger.Info("Starting timingd",
		zap.String("profile", lm.config.Card.Profile),
		zap.String("bus", lm.config.Card.Bus))

	if err := lm.attachCard(ctx); err != nil {
		lm.setError(err)
		lm.setState(StateStopped)
		return err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		err = fmt.Errorf("failed to listen: %w", err)
		lm.setError(err)
		lm.detachCard()
		lm.setState(StateStopped)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return lm.wsHub.Run(gctx)
	})

	g.Go(lm.restServer.ListenAndServe)

	g.Go(func() error {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", grpcsvc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return lm.stopServers()
	})

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("auth", lm.authService != nil),
		zap.Bool("journal", lm.storage != nil))

	err = g.Wait()
	if err != nil {
		lm.setError(err)
	}

	lm.detachCard()
	lm.setState(StateStopped)
	return err
}

func (lm *LifecycleManager) stopServers() error {
	lm.setState(StateStopping)

	ctx, cancel := context.WithTimeout(context.Background(), lm.config.Server.ShutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var restErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := lm.restServer.Shutdown(ctx); err != nil {
			restErr = fmt.Errorf("rest api shutdown failed: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		// open event streams only end when their subscription does
		lm.streamer.Close()
		stopped := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			lm.logger.Warn("gRPC graceful stop timed out, forcing")
			lm.grpcServer.Stop()
		}
	}()
	wg.Wait()

	return restErr
}

// Shutdown stops a running Run and waits for it to finish or ctx to end.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	lm.runMu.Lock()
	cancel := lm.cancel
	lm.runMu.Unlock()

	if cancel == nil {
		return fmt.Errorf("not running")
	}
	lm.logger.Info("Shutting down system")
	cancel()

	select {
	case <-lm.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	}
}

func (lm *LifecycleManager) attachCard(ctx context.Context) error {
	profile, err := lm.deviceManager.LoadProfile(lm.config.Card.Profile)
	if err != nil {
		return err
	}

	bus, err := lm.newBus(profile)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}

	sources := make([]devices.SourceRef, 0, len(lm.config.Interrupt.Sources))
	for _, s := range lm.config.Interrupt.Sources {
		sources = append(sources, devices.SourceRef{
			Slot:    s.Slot,
			Offset:  s.Offset,
			Width:   s.Width,
			Mask:    s.Mask,
			Ack:     s.Ack,
			Meaning: s.Meaning,
		})
	}

	_, err = lm.deviceManager.Attach(bus, lm.config.Card.Profile, devices.AttachOptions{
		DMABufferSize: lm.config.Card.DMABufferSize,
		Sources:       sources,
		Sink:          card.Fanout{lm.wsHub, lm.streamer},
	})
	if err != nil {
		return fmt.Errorf("failed to attach card: %w", err)
	}

	lm.recordAttachment(ctx, profile)
	return nil
}

func (lm *LifecycleManager) buildBus(profile *types.CardProfileDefinition) (pci.Bus, error) {
	cc := lm.config.Card

	if cc.Bus == config.BusSim {
		lm.logger.Warn("Using simulated PCI bus")
		return pci.NewSimBus(profile.Identity.SubsystemVendorID, profile.Identity.SubsystemDeviceID, map[int]int{
			profile.Regions.SharedBAR:    cc.SimSharedSize,
			profile.Regions.BusMasterBAR: cc.SimBusMasterSize,
		}), nil
	}

	bus, err := pci.NewSysfsBus(pci.SysfsOptions{
		Root:      cc.SysfsRoot,
		Address:   cc.PCIAddress,
		UIODevice: cc.UIODevice,
		DMADevice: cc.DMADevice,
		DMAClass:  cc.DMAClass,
	}, lm.logger.Named("pci"))
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func (lm *LifecycleManager) recordAttachment(ctx context.Context, profile *types.CardProfileDefinition) {
	if lm.storage == nil {
		return
	}

	definition, err := json.Marshal(profile)
	if err != nil {
		lm.logger.Warn("Failed to marshal profile for journal", zap.Error(err))
		return
	}

	id, err := lm.storage.RecordAttachment(ctx, &storage.Attachment{
		ProfileID:  profile.CardProfile.ID,
		Definition: definition,
		Bus:        lm.config.Card.Bus,
		PCIAddress: lm.config.Card.PCIAddress,
	})
	if err != nil {
		lm.logger.Warn("Failed to journal attachment", zap.Error(err))
		return
	}
	lm.attachment = id
}

func (lm *LifecycleManager) detachCard() {
	if err := lm.deviceManager.Detach(); err != nil {
		lm.logger.Error("Card detach reported errors", zap.Error(err))
	}

	if lm.storage == nil || lm.attachment == uuid.Nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lm.storage.MarkDetached(ctx, lm.attachment); err != nil {
		lm.logger.Warn("Failed to journal detach", zap.Error(err))
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if lm.currentState == state {
		return
	}
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state change", zap.Error(err))
	}
	if state == StateRunning {
		lm.startedAt = time.Now()
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.lastError = err
	lm.currentState = StateError
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state, started, lastErr := lm.currentState, lm.startedAt, lm.lastError
	lm.stateMu.RUnlock()

	st := interfaces.SystemStatus{
		State:       state.String(),
		Bus:         lm.config.Card.Bus,
		Sessions:    len(lm.deviceManager.ListSessions()),
		LiveClients: lm.wsHub.GetClientCount(),
		Journal:     lm.storage != nil,
	}
	if p := lm.deviceManager.Profile(); p != nil {
		st.Profile = p.CardProfile.ID
	}
	if _, err := lm.deviceManager.Card(); err == nil {
		st.Attached = true
	}
	if lastErr != nil {
		st.Error = lastErr.Error()
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started)
	}
	return st
}
