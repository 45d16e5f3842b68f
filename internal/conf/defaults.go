// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "QuakeScan")
	viper.SetDefault("main.log.enabled", false)
	viper.SetDefault("main.log.path", "quakescan.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 1048576)
	viper.SetDefault("main.log.rotationday", time.Sunday)

	viper.SetDefault("processing.workers", 0)
	viper.SetDefault("processing.ignorelength", false)
	viper.SetDefault("processing.ignorebaddata", false)

	viper.SetDefault("lagcalc.shiftlen", 0.2)
	viper.SetDefault("lagcalc.mincc", 0.4)
	viper.SetDefault("lagcalc.minccfrommeanfactor", 0.0)
	viper.SetDefault("lagcalc.horizontalchans", []string{"E", "N", "1", "2"})
	viper.SetDefault("lagcalc.verticalchans", []string{"Z"})
	viper.SetDefault("lagcalc.interpolate", false)
	viper.SetDefault("lagcalc.exportcc", false)
	viper.SetDefault("lagcalc.ccdir", "")
	viper.SetDefault("lagcalc.workers", 1)

	viper.SetDefault("output.file.enabled", false)
	viper.SetDefault("output.file.path", "output/")
	viper.SetDefault("output.file.type", "csv")

	viper.SetDefault("output.sqlite.enabled", false)
	viper.SetDefault("output.sqlite.path", "detections.db")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "quakescan")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.database", "quakescan")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
}
