package msp

import (
	"fmt"
	"strconv"
	"strings"
)

// Fn is a protocol function code. The values are a contract with the
// firmware and must not be renumbered.
type Fn uint16

const (
	FnAPIVersion        Fn = 1
	FnFirmwareVariant   Fn = 2
	FnFirmwareVersion   Fn = 3
	FnBoardInfo         Fn = 4
	FnBuildInfo         Fn = 5
	FnGetName           Fn = 10
	FnSetName           Fn = 11
	FnGetFeatureConfig  Fn = 36
	FnReboot            Fn = 68
	FnGetAdvancedConfig Fn = 90
	FnSetArmingDisabled Fn = 99
	FnMspStatus         Fn = 101
	FnGetMotor          Fn = 104
	FnRC                Fn = 105
	FnMspAttitude       Fn = 108
	FnBoxIDs            Fn = 119
	FnGetMotor3DConfig  Fn = 124
	FnGetMotorConfig    Fn = 131
	FnUID               Fn = 160
	FnAccCalibration    Fn = 205
	FnMagCalibration    Fn = 206
	FnSetMotor          Fn = 214
	FnEnable4WayIf      Fn = 245
	FnSetRTC            Fn = 246
	FnGetRTC            Fn = 247
	FnMspV2Frame        Fn = 255

	FnStatus                Fn = 0x4000
	FnConfiguratorPing      Fn = 0x4001
	FnIndMessage            Fn = 0x4002
	FnSerialPassthrough     Fn = 0x4010
	FnSaveSettings          Fn = 0x4100
	FnWriteOSDFontCharacter Fn = 0x4110

	FnGetBBSettings  Fn = 0x4120
	FnSetBBSettings  Fn = 0x4121
	FnBBFileList     Fn = 0x4122
	FnBBFileInfo     Fn = 0x4123
	FnBBFileDownload Fn = 0x4124
	FnBBFileDelete   Fn = 0x4125
	FnBBFormat       Fn = 0x4126
	FnBBFileInit     Fn = 0x4127

	FnGetGPSStatus   Fn = 0x4130
	FnGetGPSAccuracy Fn = 0x4131
	FnGetGPSTime     Fn = 0x4132
	FnGetGPSMotion   Fn = 0x4133
	FnGetMagData     Fn = 0x4140
	FnGetRotation    Fn = 0x4150
	FnTaskStatus     Fn = 0x4170
	FnGetRxStatus    Fn = 0x4180
	FnGetTZOffset    Fn = 0x41F0
	FnSetTZOffset    Fn = 0x41F1

	FnGetPIDs  Fn = 0x4200
	FnSetPIDs  Fn = 0x4201
	FnGetRates Fn = 0x4202
	FnSetRates Fn = 0x4203

	FnGetCrashDump   Fn = 0x4F00
	FnClearCrashDump Fn = 0x4F01
	FnSetDebugLED    Fn = 0x4F02
	FnPlaySound      Fn = 0x4F03
)

var fnNames = map[Fn]string{
	FnAPIVersion:            "API_VERSION",
	FnFirmwareVariant:       "FIRMWARE_VARIANT",
	FnFirmwareVersion:       "FIRMWARE_VERSION",
	FnBoardInfo:             "BOARD_INFO",
	FnBuildInfo:             "BUILD_INFO",
	FnGetName:               "GET_NAME",
	FnSetName:               "SET_NAME",
	FnGetFeatureConfig:      "GET_FEATURE_CONFIG",
	FnReboot:                "REBOOT",
	FnGetAdvancedConfig:     "GET_ADVANCED_CONFIG",
	FnSetArmingDisabled:     "SET_ARMING_DISABLED",
	FnMspStatus:             "MSP_STATUS",
	FnGetMotor:              "GET_MOTOR",
	FnRC:                    "RC",
	FnMspAttitude:           "MSP_ATTITUDE",
	FnBoxIDs:                "BOXIDS",
	FnGetMotor3DConfig:      "GET_MOTOR_3D_CONFIG",
	FnGetMotorConfig:        "GET_MOTOR_CONFIG",
	FnUID:                   "UID",
	FnAccCalibration:        "ACC_CALIBRATION",
	FnMagCalibration:        "MAG_CALIBRATION",
	FnSetMotor:              "SET_MOTOR",
	FnEnable4WayIf:          "ENABLE_4WAY_IF",
	FnSetRTC:                "SET_RTC",
	FnGetRTC:                "GET_RTC",
	FnMspV2Frame:            "MSP_V2_FRAME",
	FnStatus:                "STATUS",
	FnConfiguratorPing:      "CONFIGURATOR_PING",
	FnIndMessage:            "IND_MESSAGE",
	FnSerialPassthrough:     "SERIAL_PASSTHROUGH",
	FnSaveSettings:          "SAVE_SETTINGS",
	FnWriteOSDFontCharacter: "WRITE_OSD_FONT_CHARACTER",
	FnGetBBSettings:         "GET_BB_SETTINGS",
	FnSetBBSettings:         "SET_BB_SETTINGS",
	FnBBFileList:            "BB_FILE_LIST",
	FnBBFileInfo:            "BB_FILE_INFO",
	FnBBFileDownload:        "BB_FILE_DOWNLOAD",
	FnBBFileDelete:          "BB_FILE_DELETE",
	FnBBFormat:              "BB_FORMAT",
	FnBBFileInit:            "BB_FILE_INIT",
	FnGetGPSStatus:          "GET_GPS_STATUS",
	FnGetGPSAccuracy:        "GET_GPS_ACCURACY",
	FnGetGPSTime:            "GET_GPS_TIME",
	FnGetGPSMotion:          "GET_GPS_MOTION",
	FnGetMagData:            "GET_MAG_DATA",
	FnGetRotation:           "GET_ROTATION",
	FnTaskStatus:            "TASK_STATUS",
	FnGetRxStatus:           "GET_RX_STATUS",
	FnGetTZOffset:           "GET_TZ_OFFSET",
	FnSetTZOffset:           "SET_TZ_OFFSET",
	FnGetPIDs:               "GET_PIDS",
	FnSetPIDs:               "SET_PIDS",
	FnGetRates:              "GET_RATES",
	FnSetRates:              "SET_RATES",
	FnGetCrashDump:          "GET_CRASH_DUMP",
	FnClearCrashDump:        "CLEAR_CRASH_DUMP",
	FnSetDebugLED:           "SET_DEBUG_LED",
	FnPlaySound:             "PLAY_SOUND",
}

func (f Fn) String() string {
	if s, ok := fnNames[f]; ok {
		return s
	}
	return fmt.Sprintf("0x%04X", uint16(f))
}

// Known reports whether f is part of the firmware's function table.
func (f Fn) Known() bool {
	_, ok := fnNames[f]
	return ok
}

// ParseFn accepts a table name (case-insensitive) or a decimal/0x-prefixed
// numeric code.
func ParseFn(s string) (Fn, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	for f, name := range fnNames {
		if name == upper {
			return f, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown function %q", s)
	}
	return Fn(n), nil
}
