// imucheck reads the ICM-20948 once a second and logs gyro, accelerometer and
// magnetometer values, to check the sensor is wired and alive before flying.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/rpi" // Empty import needed to initialize embd library.

	"github.com/stratux/quadfc/config"
	"github.com/stratux/quadfc/icm20948"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "configuration file")
	every := flag.Duration("every", time.Second, "read interval")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Fatalf("imucheck: %v", err)
	}
	opts := cfg.IMU.Options

	if err := embd.InitI2C(); err != nil {
		glog.Fatalf("imucheck: I2C: %v", err)
	}
	defer embd.CloseI2C()

	glog.Infof("imucheck: ICM20948 on I2C bus %d: gyro ±%d°/s, accel ±%dG, %d Hz, mag %t",
		cfg.IMU.Bus, opts.SensitivityGyro, opts.SensitivityAccel, opts.SampleRate, opts.EnableMag)
	mpu, err := icm20948.New(embd.NewI2CBus(cfg.IMU.Bus), opts)
	if err != nil {
		glog.Errorf("imucheck: failed to initialize ICM20948: %v", err)
		return
	}
	defer mpu.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	var n, zeros int
	for {
		select {
		case <-sigChan:
			glog.Infof("imucheck: %d reads, %d without magnetometer data", n, zeros)
			return
		case <-ticker.C:
		}
		n++
		d, err := mpu.Read()
		if err != nil {
			glog.Errorf("[%04d] reading sensor: %v", n, err)
			continue
		}
		glog.Infof("[%04d] Gyro: X=%7.2f Y=%7.2f Z=%7.2f °/s | Accel: X=%6.3f Y=%6.3f Z=%6.3f G | %.1f°C",
			n, d.G1, d.G2, d.G3, d.A1, d.A2, d.A3, d.Temp)
		if !opts.EnableMag {
			continue
		}
		glog.Infof("[%04d] Mag: X=%7.2f Y=%7.2f Z=%7.2f µT (fresh %t)", n, d.M1, d.M2, d.M3, d.MagValid)
		if !d.MagValid || (d.M1 == 0 && d.M2 == 0 && d.M3 == 0) {
			zeros++
			glog.Warningf("[%04d] magnetometer returned no data", n)
		}
	}
}
