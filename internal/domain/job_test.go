package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		Transform: TransformConfig{
			Width:  800,
			Height: 600,
			Format: "jpg",
		},
	}
	require.NoError(t, valid.Validate())

	require.Error(t, CreateJobRequest{}.Validate(), "empty request")

	missingObjectKey := valid
	missingObjectKey.SourceType = SourceTypeLocalFile
	require.Error(t, missingObjectKey.Validate())

	unsupportedSourceType := valid
	unsupportedSourceType.SourceType = "http_url"
	require.Error(t, unsupportedSourceType.Validate())

	badWebhook := valid
	badWebhook.WebhookURL = "not a url"
	require.Error(t, badWebhook.Validate())

	badFormat := valid
	badFormat.Transform.Format = "gif"
	require.Error(t, badFormat.Validate())
}
