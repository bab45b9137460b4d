// Package config holds the conductor's tunables (§6), grouped exactly as
// the spec groups them. Parsing a config file is explicitly out of scope;
// this package only defines the shape and the defaults, with yaml tags
// documenting the wire format an external loader would use.
package config

import "time"

// Config is the top-level, default-bearing configuration contract.
type Config struct {
	Conductor ConductorConfig `yaml:"conductor"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Agent     AgentConfig     `yaml:"agent"`
	ISCSI     ISCSIConfig     `yaml:"iscsi"`
}

// ConductorConfig groups conductor-wide tunables.
type ConductorConfig struct {
	// PowerStateChangeTimeout bounds wait_for_power_state's back-off loop.
	PowerStateChangeTimeout time.Duration `yaml:"power_state_change_timeout"`
	// AutomatedClean controls whether a node cleans automatically on
	// release from a tenant, vs. only on manual request.
	AutomatedClean bool `yaml:"automated_clean"`
	// RescuePasswordHashAlgorithm selects the crypt(3) hash family used
	// by pkg/rescuepw ("sha256" or "sha512").
	RescuePasswordHashAlgorithm string `yaml:"rescue_password_hash_algorithm"`
}

// DeployConfig groups deploy-path tunables.
type DeployConfig struct {
	FastTrack               bool          `yaml:"fast_track"`
	FastTrackTimeout        time.Duration `yaml:"fast_track_timeout"`
	DefaultBootMode         string        `yaml:"default_boot_mode"`
	DefaultBootOption       string        `yaml:"default_boot_option"`
	PowerOffAfterDeployFail bool          `yaml:"power_off_after_deploy_failure"`
	HTTPURL                 string        `yaml:"http_url"`
	HTTPRoot                string        `yaml:"http_root"`
	HTTPImageSubdir         string        `yaml:"http_image_subdir"`
	ConfigDriveUseObjectStore bool        `yaml:"configdrive_use_object_store"`

	EraseDevicesPriority            int  `yaml:"erase_devices_priority"`
	EraseDevicesMetadataPriority    int  `yaml:"erase_devices_metadata_priority"`
	DeleteConfigurationPriority     int  `yaml:"delete_configuration_priority"`
	CreateConfigurationPriority     int  `yaml:"create_configuration_priority"`
	ShredRandomOverwriteIterations  int  `yaml:"shred_random_overwrite_iterations"`
	ShredFinalOverwriteWithZeros    bool `yaml:"shred_final_overwrite_with_zeros"`
	EnableATASecureErase            bool `yaml:"enable_ata_secure_erase"`
	ContinueIfDiskSecureEraseFails  bool `yaml:"continue_if_disk_secure_erase_fails"`
	DiskErasureConcurrency          int  `yaml:"disk_erasure_concurrency"`
}

// AgentConfig groups ramdisk-agent tunables.
type AgentConfig struct {
	NeutronAgentPollInterval time.Duration `yaml:"neutron_agent_poll_interval"`
}

// ISCSIConfig groups iSCSI transport tunables.
type ISCSIConfig struct {
	PortalPort     int    `yaml:"portal_port"`
	ConvFlags      string `yaml:"conv_flags"`
	VerifyAttempts int    `yaml:"verify_attempts"`
}

// Default returns the configuration described in §6, with every bound
// satisfied (shred iterations >= 0, disk erasure concurrency >= 1,
// iscsi portal port in [1, 65535], verify attempts >= 1).
func Default() *Config {
	return &Config{
		Conductor: ConductorConfig{
			PowerStateChangeTimeout:     60 * time.Second,
			AutomatedClean:              true,
			RescuePasswordHashAlgorithm: "sha256",
		},
		Deploy: DeployConfig{
			FastTrack:                      false,
			FastTrackTimeout:               300 * time.Second,
			DefaultBootMode:                "uefi",
			DefaultBootOption:              "netboot",
			PowerOffAfterDeployFail:        true,
			HTTPRoot:                       "/httpboot",
			HTTPImageSubdir:                "agent_images",
			ConfigDriveUseObjectStore:      false,
			ShredRandomOverwriteIterations: 1,
			ShredFinalOverwriteWithZeros:   true,
			EnableATASecureErase:           true,
			ContinueIfDiskSecureEraseFails: false,
			DiskErasureConcurrency:         1,
		},
		Agent: AgentConfig{
			NeutronAgentPollInterval: 2 * time.Second,
		},
		ISCSI: ISCSIConfig{
			PortalPort:     3260,
			VerifyAttempts: 3,
		},
	}
}
