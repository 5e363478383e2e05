package executor

import (
	"context"
	"fmt"

	"taskengine/internal/dispatcher"
	"taskengine/internal/domain/task"
	taskerrors "taskengine/internal/errors"
)

// MediaService performs the out-of-scope media operations spec.md §1
// names as external collaborators (yt-dlp, ffprobe, Whisper, and
// friends), mirroring the seam shape of the teacher's
// ffmpeg.Executor/tts.Client: one small interface the orchestrator is
// constructed with, never a hardcoded binary invocation.
type MediaService interface {
	Ingest(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	Organize(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	Transcribe(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	Tag(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	Summarize(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	Recommend(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	DetectScenes(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	DetectObjects(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	AnalyzeAudio(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
}

// IndexService performs the out-of-scope search-index operations
// (Meilisearch, Chroma).
type IndexService interface {
	IndexMeili(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	IndexChroma(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
}

// DownloadService performs the out-of-scope remote-fetch operations
// (yt-dlp and generic URL download).
type DownloadService interface {
	Youtube(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
	MediaDownload(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)
}

// notConfigured produces the ExecutionResult a thin adapter returns
// when constructed without a concrete collaborator: a PermanentError
// text surfaced as a non-retryable failure per §7's "structural"
// taxonomy entry, since no retry would make an absent collaborator
// appear.
func notConfigured(service string) (dispatcher.ExecutionResult, error) {
	err := taskerrors.NewPermanentError(fmt.Errorf("%s not configured", service), fmt.Sprintf("%s not configured", service))
	return dispatcher.ExecutionResult{Success: false, Error: err.Error()}, nil
}

// RegisterMediaExecutors wires the media/index/download kinds into d.
// Any collaborator left nil registers an executor that always reports
// "<service> not configured" rather than leaving the kind unroutable
// (which the dispatcher would otherwise report as "Unknown task
// type").
func RegisterMediaExecutors(d *dispatcher.Dispatcher, media MediaService, index IndexService, downloads DownloadService) {
	reg := func(kind task.Kind, name string, fn func(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error)) {
		if fn == nil {
			d.Register(kind, dispatcher.ExecutorFunc(func(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error) {
				return notConfigured(name)
			}))
			return
		}
		d.Register(kind, dispatcher.ExecutorFunc(fn))
	}

	var mediaIngest, mediaOrganize, mediaTranscribe, mediaTag, mediaSummarize, mediaRecommend, videoScenes, videoObjects, audioAnalyze func(context.Context, *task.Task) (dispatcher.ExecutionResult, error)
	if media != nil {
		mediaIngest = media.Ingest
		mediaOrganize = media.Organize
		mediaTranscribe = media.Transcribe
		mediaTag = media.Tag
		mediaSummarize = media.Summarize
		mediaRecommend = media.Recommend
		videoScenes = media.DetectScenes
		videoObjects = media.DetectObjects
		audioAnalyze = media.AnalyzeAudio
	}
	reg(task.KindMediaIngest, "media service", mediaIngest)
	reg(task.KindMediaOrganize, "media service", mediaOrganize)
	reg(task.KindMediaTranscribe, "media service", mediaTranscribe)
	reg(task.KindMediaTag, "media service", mediaTag)
	reg(task.KindMediaSummarize, "media service", mediaSummarize)
	reg(task.KindMediaRecommend, "media service", mediaRecommend)
	reg(task.KindVideoSceneDetect, "media service", videoScenes)
	reg(task.KindVideoObjectDetect, "media service", videoObjects)
	reg(task.KindAudioAnalyze, "media service", audioAnalyze)

	var indexMeili, indexChroma func(context.Context, *task.Task) (dispatcher.ExecutionResult, error)
	if index != nil {
		indexMeili = index.IndexMeili
		indexChroma = index.IndexChroma
	}
	reg(task.KindIndexMeili, "search index", indexMeili)
	reg(task.KindIndexChroma, "search index", indexChroma)

	var youtube, mediaDownload func(context.Context, *task.Task) (dispatcher.ExecutionResult, error)
	if downloads != nil {
		youtube = downloads.Youtube
		mediaDownload = downloads.MediaDownload
	}
	reg(task.KindYoutube, "download service", youtube)
	reg(task.KindMediaDownload, "download service", mediaDownload)
}
