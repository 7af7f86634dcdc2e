package transcriber

import (
	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*CloudSpeechOpener, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewCloudSpeechOpener(CloudSpeechConfig{
			ProjectID:       c.GoogleCloudProjectID,
			CredentialsJSON: c.GoogleCloudCredentialsJSON,
			Location:        c.GoogleCloudSpeechLocation,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (transcriber.Opener, error) {
		return do.MustInvoke[*CloudSpeechOpener](i), nil
	})
}
