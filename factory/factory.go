// SPDX-FileCopyrightText: 2021 Open Networking Foundation <info@opennetworking.org>
//
// SPDX-License-Identifier: Apache-2.0
//

/*
 * MME Configuration Factory
 */

package factory

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/omec-project/mme/logger"
)

var MmeConfig Config

func InitConfigFactory(f string) error {
	content, err := os.ReadFile(f)
	if err != nil {
		return err
	}

	MmeConfig = Config{}
	if yamlErr := yaml.Unmarshal(content, &MmeConfig); yamlErr != nil {
		return yamlErr
	}
	setConfigDefaults(&MmeConfig)

	return nil
}

func UpdateMmeConfig(f string) error {
	content, err := os.ReadFile(f)
	if err != nil {
		return err
	}

	var mmeConfig Config
	if yamlErr := yaml.Unmarshal(content, &mmeConfig); yamlErr != nil {
		return yamlErr
	}
	setConfigDefaults(&mmeConfig)

	if !reflect.DeepEqual(MmeConfig.Configuration.ServedGummeiList, mmeConfig.Configuration.ServedGummeiList) {
		logger.CfgLog.Infoln("updated ServedGummeiList", mmeConfig.Configuration.ServedGummeiList)
	}
	if !reflect.DeepEqual(MmeConfig.Configuration.SupportTaiList, mmeConfig.Configuration.SupportTaiList) {
		logger.CfgLog.Infoln("updated SupportTaiList", mmeConfig.Configuration.SupportTaiList)
	}
	if !reflect.DeepEqual(MmeConfig.Configuration.NetworkFeatureSupportEps, mmeConfig.Configuration.NetworkFeatureSupportEps) {
		logger.CfgLog.Infoln("updated NetworkFeatureSupportEps", mmeConfig.Configuration.NetworkFeatureSupportEps)
	}
	if !reflect.DeepEqual(MmeConfig.Configuration.Security, mmeConfig.Configuration.Security) {
		logger.CfgLog.Infoln("updated Security", mmeConfig.Configuration.Security)
	}

	MmeConfig = mmeConfig
	return nil
}

func CheckConfigVersion() error {
	currentVersion := MmeConfig.GetVersion()

	if currentVersion != MME_EXPECTED_CONFIG_VERSION {
		return fmt.Errorf("config version is [%s], but expected is [%s]",
			currentVersion, MME_EXPECTED_CONFIG_VERSION)
	}

	logger.CfgLog.Infof("config version [%s]", currentVersion)

	return nil
}

// Timer defaults follow TS 24.301 table 10.2.2; a disabled timer block in the
// configuration keeps retransmission off for that procedure.
func setConfigDefaults(cfg *Config) {
	if cfg.Configuration == nil {
		cfg.Configuration = &Configuration{}
	}
	c := cfg.Configuration
	if c.T3402Value == 0 {
		c.T3402Value = 720
	}
	if c.T3412Value == 0 {
		c.T3412Value = 3240
	}
	applyTimerDefaults(&c.T3422, 6*time.Second, 5)
	applyTimerDefaults(&c.T3450, 6*time.Second, 5)
	applyTimerDefaults(&c.T3460, 6*time.Second, 5)
	applyTimerDefaults(&c.T3470, 6*time.Second, 5)
}

func applyTimerDefaults(t *TimerValue, expire time.Duration, maxRetry int32) {
	if t.ExpireTime == 0 {
		t.ExpireTime = expire
	}
	if t.MaxRetryTimes == 0 {
		t.MaxRetryTimes = maxRetry
	}
}
