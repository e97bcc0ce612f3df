/*
Copyright IBM Corp. 2021 All Rights Reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

		 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"io/ioutil"

	"github.com/op/go-logging"
	"gopkg.in/yaml.v2"
)

var log = logging.MustGetLogger("replica-main")
var Config configuration

type configuration struct {
	Id int `yaml:"id"` // numeric ID of this replica

	Logging string `yaml:"logging"` // logging level: debug, info, warn, error

	// Execution dispatcher
	ChannelCapacity int `yaml:"channelCapacity"` // capacity of the execution request channel
	InitialSeqNr    int `yaml:"initialSeqNr"`    // sequence number expected from the first ordered batch
	CheckpointDist  int `yaml:"checkpointDist"`  // checkpoint distance in number of batches

	// State model, one of "monolithic" and "divisible"
	StateModel string `yaml:"stateModel"`

	// Persistent storage
	BatchLogPath        string `yaml:"batchLogPath"`        // applied-batch log directory, empty to disable
	CheckpointStorePath string `yaml:"checkpointStorePath"` // checkpoint store directory, empty for in-memory

	// Profiling
	ProfilingListen string `yaml:"profilingListen"` // profiling HTTP listen address, empty to disable

	// Demo traffic generated by cmd/replica
	RequestSize     int `yaml:"requestSize"`     // operation payload size in bytes
	BatchSize       int `yaml:"batchSize"`       // updates per ordered batch
	MaxRequestCount int `yaml:"maxRequestCount"` // requests generated locally, at the replica
}

func LoadFile(configFileName string) {
	f, err := ioutil.ReadFile(configFileName)

	if err != nil {
		log.Fatalf("Could not read config file %s", configFileName)
	}

	err = yaml.Unmarshal(f, &Config)
	if err != nil {
		log.Fatalf("Could not unmarshal config file %s: %s", configFileName, err.Error())
	}

	log.Debugf("Id: %d", Config.Id)
	log.Debugf("Logging: %s", Config.Logging)
	log.Debugf("ChannelCapacity: %d", Config.ChannelCapacity)
	log.Debugf("InitialSeqNr: %d", Config.InitialSeqNr)
	log.Debugf("CheckpointDist: %d", Config.CheckpointDist)
	log.Debugf("StateModel: %s", Config.StateModel)
	log.Debugf("BatchLogPath: %s", Config.BatchLogPath)
	log.Debugf("CheckpointStorePath: %s", Config.CheckpointStorePath)
	log.Debugf("ProfilingListen: %s", Config.ProfilingListen)
	log.Debugf("RequestSize: %d", Config.RequestSize)
	log.Debugf("BatchSize: %d", Config.BatchSize)
	log.Debugf("MaxRequestCount: %d", Config.MaxRequestCount)
}
