// Command winder runs the extrusion line controller: it reads the laser
// gauge, regulates the extruder and puller, winds the spool and serves the
// HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/extrusion.control/internal/actuator"
	"github.com/banshee-data/extrusion.control/internal/api"
	"github.com/banshee-data/extrusion.control/internal/config"
	"github.com/banshee-data/extrusion.control/internal/db"
	"github.com/banshee-data/extrusion.control/internal/laser"
	"github.com/banshee-data/extrusion.control/internal/machine"
	"github.com/banshee-data/extrusion.control/internal/namespace"
	"github.com/banshee-data/extrusion.control/internal/serialmux"
	"github.com/banshee-data/extrusion.control/internal/timeutil"
	"github.com/banshee-data/extrusion.control/internal/units"
	"github.com/banshee-data/extrusion.control/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "simulate the laser gauge and the motor drives")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	configPath  = flag.String("config", "", "machine config JSON (defaults built in when empty)")
	dbFile      = flag.String("db-path", "winder.db", "path to the settings sqlite database")
	speedUnits  = flag.String("units", "mpm", "speed units for API responses ("+units.GetValidSpeedUnitsString()+")")
	drainFor    = flag.Duration("drain-timeout", 10*time.Second, "how long to let the rollers ramp down on exit")
	showVersion = flag.Bool("version", false, "print the version and exit")
)

// devLineInterval is the simulated gauge's output rate.
const devLineInterval = 20 * time.Millisecond

func loadConfig(path string) (*config.MachineConfig, error) {
	if path == "" {
		return config.EmptyMachineConfig(), nil
	}
	return config.LoadMachineConfig(path)
}

// laserOpener returns how the gauge port is (re)opened.
func laserOpener(cfg *config.MachineConfig, dev bool) (laser.Opener, error) {
	if dev {
		sim := laser.NewSimulator(cfg.GetTargetDiameterMM(), uint64(time.Now().UnixNano()))
		return func() (serialmux.SerialMuxInterface, error) {
			return serialmux.NewMockSerialMux("laser", devLineInterval, sim.Next), nil
		}, nil
	}
	port := cfg.GetLaserPort()
	if port == "" {
		return nil, errors.New("laser_port is not configured")
	}
	opts := cfg.GetLaserSerial()
	return func() (serialmux.SerialMuxInterface, error) {
		return serialmux.NewRealSerialMux("laser", port, opts)
	}, nil
}

// openDrive opens the motor controller for one axis. An axis without a port
// gets a disabled mux so the loop still runs (and logs) without hardware.
func openDrive(name, port string, cfg *config.MachineConfig, dev bool) (serialmux.SerialMuxInterface, error) {
	switch {
	case dev:
		return serialmux.NewMockSerialMux(name, time.Second, func() string { return "OK" }), nil
	case port == "":
		log.Printf("%s: no port configured, commands are discarded", name)
		return serialmux.NewDisabledSerialMux(name), nil
	default:
		return serialmux.NewRealSerialMux(name, port, cfg.GetMotorSerial())
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}
	if !units.IsValidSpeedUnit(*speedUnits) {
		log.Fatalf("invalid --units %q, expected one of %s", *speedUnits, units.GetValidSpeedUnitsString())
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("winder %s starting", version.Get())

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	openLaser, err := laserOpener(cfg, *devMode)
	if err != nil {
		log.Fatalf("laser: %v", err)
	}

	drives := map[string]string{
		"extruder": cfg.GetExtruderPort(),
		"puller":   cfg.GetPullerPort(),
		"spool":    cfg.GetSpoolPort(),
	}
	muxes := make(map[string]serialmux.SerialMuxInterface, len(drives))
	for name, port := range drives {
		mux, err := openDrive(name, port, cfg, *devMode)
		if err != nil {
			log.Fatalf("failed to open %s drive: %v", name, err)
		}
		defer mux.Close()
		if err := mux.Initialize(); err != nil {
			log.Fatalf("failed to initialize %s drive: %v", name, err)
		}
		muxes[name] = mux
	}

	clock := timeutil.RealClock{}
	gauge := laser.NewDevice(clock)
	hub := namespace.NewHub()
	defer hub.Close()

	m, err := machine.New(cfg, machine.Deps{
		Laser:     gauge,
		Namespace: hub,
		Extruder:  actuator.NewSerial("extruder", muxes["extruder"], cfg.GetExtruderMaxRPM()),
		Puller:    actuator.NewSerial("puller", muxes["puller"], 0),
		Spool:     actuator.NewSerial("spool", muxes["spool"], 0),
		Store:     database,
		Clock:     clock,
	})
	if err != nil {
		log.Fatalf("failed to build machine: %v", err)
	}
	log.Printf("session %s, tick %v", m.SessionID(), m.TickInterval())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// keep the gauge fed, reopening the port when it drops
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := laser.Supervise(ctx, gauge, openLaser, laser.DefaultBackOff); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("laser supervisor stopped: %v", err)
		}
		log.Print("laser routine terminated")
	}()

	// drain replies from the motor drives
	for name, mux := range muxes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor %s drive: %v", name, err)
			}
		}()
	}

	// control loop; on exit the rollers are ramped down before returning
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("control loop stopped: %v", err)
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), *drainFor)
		defer cancel()
		if err := m.Drain(drainCtx); err != nil {
			log.Printf("drain incomplete: %v", err)
		}
		log.Print("control loop terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(m, hub, database, *speedUnits)
		mux := srv.ServeMux()
		srv.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)
		for _, d := range muxes {
			d.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	fmt.Fprintln(os.Stderr, "graceful shutdown complete")
}
