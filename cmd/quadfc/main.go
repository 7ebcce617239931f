// quadfc is the flight controller: it flies the quadcopter from the
// receiver, and serves telemetry and ground commands over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/rpi" // Empty import needed to initialize embd library.

	"github.com/stratux/quadfc/calibration"
	"github.com/stratux/quadfc/config"
	"github.com/stratux/quadfc/control"
	"github.com/stratux/quadfc/icm20948"
	"github.com/stratux/quadfc/mixer"
	"github.com/stratux/quadfc/power"
	"github.com/stratux/quadfc/receiver"
	"github.com/stratux/quadfc/sensors"
	"github.com/stratux/quadfc/statusled"
	"github.com/stratux/quadfc/telemetry"
)

// rig is the set of open devices. closers run in reverse order.
type rig struct {
	dev     control.Devices
	led     *statusled.LED
	serial  *receiver.SerialSource
	static  *receiver.StaticSource
	closers []func() error
}

func (r *rig) onClose(f func() error) { r.closers = append(r.closers, f) }

func (r *rig) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			glog.Warningf("quadfc: closing: %v", err)
		}
	}
	r.closers = nil
}

func openHardware(cfg *config.Config) (r *rig, err error) {
	r = &rig{}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if err := embd.InitI2C(); err != nil {
		return r, fmt.Errorf("I2C: %w", err)
	}
	r.onClose(embd.CloseI2C)

	imu, err := icm20948.New(embd.NewI2CBus(cfg.IMU.Bus), cfg.IMU.Options)
	if err != nil {
		return r, err
	}
	r.onClose(imu.Close)
	r.dev.IMU = imu

	w, err := mixer.NewPCA9685Writer(embd.NewI2CBus(cfg.ESC.Bus), cfg.ESC.Address, cfg.ESC.Frequency)
	if err != nil {
		return r, err
	}
	esc, err := mixer.NewESC(w, cfg.ESC.Channels, cfg.ESC.Ranges)
	if err != nil {
		w.Close()
		return r, err
	}
	r.onClose(esc.Close)
	r.dev.ESC = esc

	if cfg.Power.Enabled {
		if err := embd.InitSPI(); err != nil {
			return r, fmt.Errorf("SPI: %w", err)
		}
		r.onClose(embd.CloseSPI)
		bus := embd.NewSPIBus(embd.SPIMode0, cfg.Power.SPIChannel, cfg.Power.SPISpeed, 8, 0)
		r.onClose(bus.Close)
		if r.dev.Power, err = power.NewMonitor(power.NewMCP3008(bus), cfg.Power.Monitor); err != nil {
			return r, err
		}
	}

	if r.serial, err = receiver.OpenSerial(cfg.Receiver.Port); err != nil {
		return r, err
	}
	r.onClose(r.serial.Close)
	r.dev.Receiver = r.serial

	if cfg.LED.Enabled {
		pin, closeGPIO, err := statusled.OpenGPIO(cfg.LED.Pin)
		if err != nil {
			glog.Warningf("quadfc: status LED disabled: %v", err)
		} else {
			r.onClose(closeGPIO)
			r.led = statusled.New(pin)
		}
	}
	return r, nil
}

// openSim builds a rig on a simulated IMU, a receiver holding the sticks
// centred with the arm switch off, and ESC outputs kept in memory.
func openSim(cfg *config.Config) (*rig, error) {
	esc, err := mixer.NewESC(mixer.NewMemoryWriter(), cfg.ESC.Channels, cfg.ESC.Ranges)
	if err != nil {
		return nil, err
	}
	r := &rig{static: &receiver.StaticSource{}}
	r.dev.IMU = sensors.NewSimIMU(time.Now().UnixNano(), cfg.IMU.Options.EnableMag)
	r.dev.ESC = esc
	r.dev.Receiver = r.static
	r.onClose(esc.Close)
	return r, nil
}

// feed keeps the simulated receiver fresh until ctx is done.
func feed(ctx context.Context, src *receiver.StaticSource, m receiver.Map) {
	ch := receiver.Channels(m, 1000, 1500, 1500, 1500, 1000)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			src.Set(ch, now)
		}
	}
}

func loadProfile(path string, pl *calibration.Pipeline) {
	p, err := calibration.LoadProfile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		glog.Infof("Calibration: no profile at %s", path)
	case err != nil:
		glog.Warningf("Calibration: %v", err)
	default:
		pl.Load(p)
		glog.Infof("Calibration: loaded %s (gyro %t, accel %t, mag %t)", path, p.GyroCalibrated, p.AccelCalibrated, p.MagCalibrated)
	}
}

func main() {
	configPath := flag.String("config", config.DefaultPath, "configuration file")
	sim := flag.Bool("sim", false, "fly a simulated IMU and receiver with no motors attached")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Fatalf("quadfc: %v", err)
	}

	var r *rig
	if *sim {
		r, err = openSim(&cfg)
	} else {
		r, err = openHardware(&cfg)
	}
	if err != nil {
		glog.Fatalf("quadfc: opening devices: %v", err)
	}
	defer r.Close()

	r.dev.Pipeline = calibration.NewPipeline(cfg.Control.Alphas)
	loadProfile(cfg.ProfilePath, r.dev.Pipeline)

	loop, err := control.New(cfg.Control, r.dev)
	if err != nil {
		glog.Errorf("quadfc: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigChan:
			glog.Infof("quadfc: %v, shutting down", s)
			cancel()
		case <-ctx.Done():
		}
	}()

	room := telemetry.NewRoom()
	server := telemetry.NewServer(loop, room, r.led)
	server.ProfilePath = cfg.ProfilePath
	var stream io.Writer
	if cfg.Telemetry.Stdout {
		stream = os.Stdout
	}
	srv := &http.Server{Addr: cfg.Telemetry.Listen, Handler: server}

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	run(func() { room.Run(ctx) })
	run(func() { server.RunService(ctx, loop.Events(), cfg.Telemetry.Interval, stream) })
	run(func() {
		glog.Infof("Telemetry: listening on %s", cfg.Telemetry.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("Telemetry: %v", err)
			cancel()
		}
	})
	run(func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		srv.Shutdown(shutdown)
	})
	if r.serial != nil {
		run(func() {
			if err := r.serial.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				glog.Errorf("Receiver: %v", err)
			}
		})
	}
	if r.static != nil {
		run(func() { feed(ctx, r.static, cfg.Control.Channels) })
	}

	loop.Run(ctx)
	cancel()
	wg.Wait()
	glog.Infoln("quadfc: stopped")
}
