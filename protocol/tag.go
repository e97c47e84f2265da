package protocol

import "fmt"

// RequestTag identifies the purpose of a frame sent by the client.
type RequestTag uint8

// ResponseTag identifies the purpose of a frame sent by the server.
//
// Both directions share the numbers 0..6. They are kept as separate types so a
// response tag is only ever compared with the response tag expected for the
// outstanding request, never with a request tag.
type ResponseTag uint8

const (
	CaptchaRequest          RequestTag = 0 // no payload
	CaptchaCheckRequest     RequestTag = 1 // strings(guess)
	CredentialsCheckRequest RequestTag = 2 // strings(username, password)
	FaceCheckRequest        RequestTag = 3 // raw image
	StatisticsRequest       RequestTag = 4 // no payload
	ChangePasswordRequest   RequestTag = 5 // strings(username, old, new)
	AddImageRequest         RequestTag = 6 // strings(username, password) ++ raw image
)

const (
	CaptchaResponse          ResponseTag = 0 // raw image
	CaptchaCheckResponse     ResponseTag = 1 // bool
	CredentialsCheckResponse ResponseTag = 2 // bool
	FaceCheckResponse        ResponseTag = 3 // bool
	StatisticsResponse       ResponseTag = 4 // opaque
	ChangePasswordResponse   ResponseTag = 5 // bool
	AddImageResponse         ResponseTag = 6 // bool
)

var tagNames = [...]string{
	"captcha",
	"captcha-check",
	"credentials-check",
	"face-check",
	"statistics",
	"change-password",
	"add-image",
}

// Valid reports whether t is a known request.
func (t RequestTag) Valid() bool { return int(t) < len(tagNames) }

// Response returns the tag the server answers t with.
func (t RequestTag) Response() ResponseTag { return ResponseTag(t) }

func (t RequestTag) String() string {
	if t.Valid() {
		return tagNames[t]
	}
	return fmt.Sprintf("request(%d)", uint8(t))
}

// Valid reports whether t is a known response.
func (t ResponseTag) Valid() bool { return int(t) < len(tagNames) }

func (t ResponseTag) String() string {
	if t.Valid() {
		return tagNames[t]
	}
	return fmt.Sprintf("response(%d)", uint8(t))
}
