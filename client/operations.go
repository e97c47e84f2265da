package client

import (
	"fmt"

	"facegate/protocol"
)

// FetchCaptcha requests a captcha and returns the image bytes as received.
func (c *Client) FetchCaptcha() ([]byte, error) {
	return c.call(protocol.CaptchaRequest, nil)
}

// GetCaptcha requests a captcha and writes the image verbatim to path.
func (c *Client) GetCaptcha(path string) error {
	image, err := c.FetchCaptcha()
	if err != nil {
		return err
	}
	if err := c.cfg.Files.WriteFile(path, image); err != nil {
		return fmt.Errorf("%w: write captcha to %s: %w", protocol.ErrIO, path, err)
	}
	return nil
}

// CheckCaptchaGuess asks whether guess matches the captcha last issued on this
// connection.
func (c *Client) CheckCaptchaGuess(guess string) (bool, error) {
	return c.callStrings(protocol.CaptchaCheckRequest, guess)
}

// CheckCredentials validates a username and password.
func (c *Client) CheckCredentials(username, password string) (bool, error) {
	return c.callStrings(protocol.CredentialsCheckRequest, username, password)
}

// CheckFaceImage uploads the image at path for face validation.
func (c *Client) CheckFaceImage(path string) (bool, error) {
	image, err := c.readImage(path)
	if err != nil {
		return false, err
	}
	return c.callBool(protocol.FaceCheckRequest, image)
}

// GetStatistics returns the raw statistics payload. Its schema is defined by the
// server, not by the frame format.
func (c *Client) GetStatistics() ([]byte, error) {
	return c.call(protocol.StatisticsRequest, nil)
}

// DecodeStatistics fetches statistics and decodes them into v with the
// configured codec.
func (c *Client) DecodeStatistics(v any) error {
	payload, err := c.GetStatistics()
	if err != nil {
		return err
	}
	if err := c.cfg.Codec.Decode(payload, v); err != nil {
		return fmt.Errorf("%w: decode statistics: %w", protocol.ErrProtocolViolation, err)
	}
	return nil
}

// ChangePassword replaces oldPassword with newPassword for username.
func (c *Client) ChangePassword(username, oldPassword, newPassword string) (bool, error) {
	return c.callStrings(protocol.ChangePasswordRequest, username, oldPassword, newPassword)
}

// AddFaceImage enrolls the image at path for username, authenticated by
// password.
func (c *Client) AddFaceImage(username, password, path string) (bool, error) {
	head, err := protocol.FragmentStrings(username, password)
	if err != nil {
		return false, fmt.Errorf("%s: %w", protocol.AddImageRequest, err)
	}
	image, err := c.readImage(path)
	if err != nil {
		return false, err
	}
	payload := make([]byte, 0, len(head)+len(image))
	payload = append(payload, head...)
	payload = append(payload, image...)
	return c.callBool(protocol.AddImageRequest, payload)
}

func (c *Client) readImage(path string) ([]byte, error) {
	image, err := c.cfg.Files.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read image %s: %w", protocol.ErrIO, path, err)
	}
	return image, nil
}
