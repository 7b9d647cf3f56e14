package protocol

import (
	"errors"
	"path/filepath"
	"testing"

	"pairlink/crypto"
)

func testIdentity(t *testing.T, deviceID string) crypto.Identity {
	t.Helper()

	dir := t.TempDir()
	identity, err := crypto.EnsureIdentityKeys(deviceID,
		filepath.Join(dir, "ed25519.pem"),
		filepath.Join(dir, "x25519.pem"))
	if err != nil {
		t.Fatalf("identity keys: %v", err)
	}
	return identity
}

func TestRegisterFrameSignVerify(t *testing.T) {
	identity := testIdentity(t, "device-a")

	frame, err := BuildRegisterFrame(identity, RoleTarget, "Living Room PC", 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if frame.Type != TypeRegister {
		t.Fatalf("type = %q, want %q", frame.Type, TypeRegister)
	}
	if frame.ProtocolVersion != ProtocolVersion {
		t.Fatalf("protocol_version = %d, want %d", frame.ProtocolVersion, ProtocolVersion)
	}

	if _, err := VerifyRegisterFrame(frame); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestRegisterFrameVerifyRejectsTamper(t *testing.T) {
	identity := testIdentity(t, "device-a")

	frame, err := BuildRegisterFrame(identity, RoleTarget, "honest-name", 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	tampered := frame
	tampered.DeviceID = "device-b"
	if _, err := VerifyRegisterFrame(tampered); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("tampered device_id verify err = %v, want ErrInvalidFrame", err)
	}

	tampered = frame
	tampered.DeviceName = "forged-name"
	if _, err := VerifyRegisterFrame(tampered); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("tampered device_name verify err = %v, want ErrInvalidFrame", err)
	}

	tampered = frame
	tampered.Role = RoleController
	if _, err := VerifyRegisterFrame(tampered); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("tampered role verify err = %v, want ErrInvalidFrame", err)
	}
}

func TestRegisterFrameVerifyRejectsBadInputs(t *testing.T) {
	identity := testIdentity(t, "device-a")

	frame, err := BuildRegisterFrame(identity, RoleController, "name", 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	missing := frame
	missing.DeviceID = ""
	if _, err := VerifyRegisterFrame(missing); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("missing device_id err = %v, want ErrInvalidFrame", err)
	}

	badRole := frame
	badRole.Role = "observer"
	if _, err := VerifyRegisterFrame(badRole); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("unknown role err = %v, want ErrInvalidFrame", err)
	}

	badVersion := frame
	badVersion.ProtocolVersion = ProtocolVersion + 1
	if _, err := VerifyRegisterFrame(badVersion); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("bad version err = %v, want ErrInvalidFrame", err)
	}
}

func TestDecodeFrameType(t *testing.T) {
	frameType, err := DecodeFrameType([]byte(`{"type":"relay","payload":"x"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frameType != TypeRelay {
		t.Fatalf("type = %q, want %q", frameType, TypeRelay)
	}

	if _, err := DecodeFrameType([]byte(`{"seq":1}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("missing type err = %v, want ErrInvalidFrame", err)
	}
	if _, err := DecodeFrameType([]byte(`not json`)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("bad json err = %v, want ErrInvalidFrame", err)
	}
}

func TestErrorByCode(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{CodePairingExpired, ErrPairingExpired},
		{CodePairingNotFound, ErrPairingNotFound},
		{CodeHandshakeMismatch, ErrHandshakeMismatch},
		{CodeDeviceNotRegistered, ErrDeviceNotRegistered},
		{CodePeerOffline, ErrPeerOffline},
		{CodeTransportClosed, ErrTransportClosed},
		{"something_else", ErrInvalidFrame},
	}
	for _, tc := range cases {
		if got := ErrorByCode(tc.code); !errors.Is(got, tc.want) {
			t.Fatalf("ErrorByCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
